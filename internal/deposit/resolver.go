package deposit

import (
	"context"
	"errors"
	"fmt"

	"github.com/wicketx/settlement-engine/internal/store"
)

// ErrUnresolved is returned by a Resolver that cannot map a hint to a wallet.
var ErrUnresolved = errors.New("deposit: recipient not resolved")

// Recipient is the wallet a deposit is credited to.
type Recipient struct {
	UserID   string
	WalletID string
	// Currency is set when the binding fixes the deposit currency.
	Currency string
}

// Resolver maps a hint to a recipient wallet.
type Resolver interface {
	Resolve(ctx context.Context, h Hint) (*Recipient, error)
}

// StoreResolver resolves hints through deposit-address and payment-session
// bindings kept in the store.
type StoreResolver struct {
	store store.Reader
}

// NewStoreResolver creates a resolver over r.
func NewStoreResolver(r store.Reader) *StoreResolver {
	return &StoreResolver{store: r}
}

func (r *StoreResolver) Resolve(ctx context.Context, h Hint) (*Recipient, error) {
	var (
		userID   string
		currency string
	)
	switch h.Kind {
	case KindAddress:
		a, err := r.store.GetDepositAddress(ctx, h.Network, h.Value)
		if err != nil {
			return nil, unresolved(err, "address %s on %s is not bound", h.Value, h.Network)
		}
		userID = a.UserID
	case KindSession:
		s, err := r.store.GetPaymentSession(ctx, h.Value)
		if err != nil {
			return nil, unresolved(err, "payment session %s is unknown", h.Value)
		}
		userID, currency = s.UserID, s.Currency
	case KindUser:
		userID = h.Value
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidHint, h.Kind)
	}

	w, err := r.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, unresolved(err, "user %s has no wallet", userID)
	}
	return &Recipient{UserID: userID, WalletID: w.ID, Currency: currency}, nil
}

func unresolved(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnresolved, fmt.Sprintf(format, args...))
	}
	return err
}
