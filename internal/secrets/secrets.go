// Package secrets supplies credentials to the boundary components that need
// them: webhook signature verification and admin token verification.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Well-known secret names.
const (
	WebhookSigningKey = "WEBHOOK_SECRET"
	AdminJWTKey       = "ADMIN_JWT_SECRET"
)

// ErrNotFound is returned when a secret is not configured.
var ErrNotFound = errors.New("secrets: not found")

// Provider looks up a secret by name.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvProvider reads secrets from environment variables named Prefix+name.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider creates a provider reading prefix+name.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	key := p.Prefix + name
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Static serves secrets from a map.
type Static map[string]string

func (s Static) Get(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}
