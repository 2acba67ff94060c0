package deposit

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Hint kinds.
const (
	KindAddress = "address"
	KindSession = "session"
	KindUser    = "user"
)

// Supported on-chain networks.
const (
	NetworkTron    = "TRON"
	NetworkEth     = "ETH"
	NetworkBSC     = "BSC"
	NetworkPolygon = "POLYGON"
	NetworkSolana  = "SOL"
	NetworkBitcoin = "BTC"
)

var validNetworks = map[string]bool{
	NetworkTron:    true,
	NetworkEth:     true,
	NetworkBSC:     true,
	NetworkPolygon: true,
	NetworkSolana:  true,
	NetworkBitcoin: true,
}

// evmNetworks compare addresses case-insensitively.
var evmNetworks = map[string]bool{
	NetworkEth:     true,
	NetworkBSC:     true,
	NetworkPolygon: true,
}

// hintRegex matches: {kind}:{value}
// Examples: address:TRON:TXYZ..., session:cs_live_a1b2, user:3f2a...
var hintRegex = regexp.MustCompile(`^(address|session|user):(\S+)$`)

// addressRegex matches the value of an address hint: {network}:{address}
var addressRegex = regexp.MustCompile(`^([A-Za-z]+):([A-Za-z0-9]{20,128})$`)

var (
	ErrInvalidHint    = errors.New("deposit: invalid recipient hint")
	ErrInvalidNetwork = errors.New("deposit: unsupported network")
)

// Hint identifies the recipient of a deposit notification.
type Hint struct {
	Kind    string `json:"kind"`
	Network string `json:"network,omitempty"`
	Value   string `json:"value"`
}

// String renders the hint in the form ParseHint accepts.
func (h Hint) String() string {
	if h.Kind == KindAddress {
		return fmt.Sprintf("%s:%s:%s", h.Kind, h.Network, h.Value)
	}
	return fmt.Sprintf("%s:%s", h.Kind, h.Value)
}

// ParseHint parses and validates a recipient hint.
// Format: address:{network}:{address} | session:{id} | user:{id}
func ParseHint(s string) (Hint, error) {
	matches := hintRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return Hint{}, fmt.Errorf("%w: %q (expected address:{network}:{addr}, session:{id} or user:{id})",
			ErrInvalidHint, s)
	}

	kind, value := matches[1], matches[2]
	if kind != KindAddress {
		return Hint{Kind: kind, Value: value}, nil
	}

	parts := addressRegex.FindStringSubmatch(value)
	if parts == nil {
		return Hint{}, fmt.Errorf("%w: malformed address %q", ErrInvalidHint, value)
	}
	network, address, err := NormalizeAddress(parts[1], parts[2])
	if err != nil {
		return Hint{}, err
	}
	return Hint{Kind: KindAddress, Network: network, Value: address}, nil
}

// NormalizeAddress upper-cases the network and lower-cases EVM addresses so
// bindings and notifications compare equal.
func NormalizeAddress(network, address string) (string, string, error) {
	network = strings.ToUpper(strings.TrimSpace(network))
	if !validNetworks[network] {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("%w: empty address", ErrInvalidHint)
	}
	if evmNetworks[network] {
		address = strings.ToLower(address)
	}
	return network, address, nil
}
