package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := New(ErrInsufficientFunds, "wallet %s: need %s", "w1", "10")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected errors.Is to match sentinel, got %v", err)
	}
	if errors.Is(err, ErrAlreadySettled) {
		t.Fatal("different codes must not match")
	}

	wrapped := fmt.Errorf("place stake: %w", err)
	if !errors.Is(wrapped, ErrInsufficientFunds) {
		t.Fatal("expected match through fmt wrapping")
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrUpstreamUnavailable, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if KindOf(err) != KindUpstream {
		t.Errorf("expected upstream kind, got %s", KindOf(err))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("amount must be positive"), http.StatusBadRequest},
		{ErrMarketNotFound, http.StatusNotFound},
		{ErrAlreadySettled, http.StatusConflict},
		{ErrUnresolvedRecipient, http.StatusConflict},
		{ErrInvariantViolation, http.StatusInternalServerError},
		{ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", ErrNotPending)); got != "not_pending" {
		t.Errorf("expected not_pending, got %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != "internal" {
		t.Errorf("expected internal, got %s", got)
	}
}
