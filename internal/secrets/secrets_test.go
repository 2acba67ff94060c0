package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("WICKETX_WEBHOOK_SECRET", "s3cret")
	t.Setenv("WICKETX_ADMIN_JWT_SECRET", "  ")

	p := NewEnvProvider("WICKETX_")
	got, err := p.Get(context.Background(), WebhookSigningKey)
	if err != nil || got != "s3cret" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if _, err := p.Get(context.Background(), AdminJWTKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("blank secret err = %v, want ErrNotFound", err)
	}
	if _, err := p.Get(context.Background(), "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing secret err = %v, want ErrNotFound", err)
	}
}

func TestStatic(t *testing.T) {
	s := Static{WebhookSigningKey: "k"}
	if v, err := s.Get(context.Background(), WebhookSigningKey); err != nil || v != "k" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if _, err := s.Get(context.Background(), AdminJWTKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
