// Package apperr defines the business error taxonomy shared by the ledger,
// settlement, referral and deposit packages, and its mapping onto HTTP.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed input, rejected before any store access.
	KindValidation
	// KindNotFound: a referenced entity is absent.
	KindNotFound
	// KindConflict: a legitimate business-rule rejection.
	KindConflict
	// KindInvariant: a balance invariant would break. Fatal, never retried.
	KindInvariant
	// KindUpstream: an external dependency is unreachable.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant_violation"
	case KindUpstream:
		return "upstream_unavailable"
	}
	return "unknown"
}

// Error is a classified business error. Two errors match under errors.Is
// when their codes are equal, so wrapped copies still match the sentinel.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation          = &Error{Kind: KindValidation, Code: "validation", Msg: "invalid request"}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: "not_found", Msg: "not found"}
	ErrWalletNotFound      = &Error{Kind: KindNotFound, Code: "wallet_not_found", Msg: "wallet not found"}
	ErrMarketNotFound      = &Error{Kind: KindNotFound, Code: "market_not_found", Msg: "market not found"}
	ErrInsufficientFunds   = &Error{Kind: KindConflict, Code: "insufficient_funds", Msg: "insufficient funds"}
	ErrAlreadySettled      = &Error{Kind: KindConflict, Code: "already_settled", Msg: "market already settled"}
	ErrInvalidOutcome      = &Error{Kind: KindConflict, Code: "invalid_outcome", Msg: "outcome does not belong to market"}
	ErrUnresolvedRecipient = &Error{Kind: KindConflict, Code: "unresolved_recipient", Msg: "deposit recipient could not be resolved"}
	ErrMarketNotOpen       = &Error{Kind: KindConflict, Code: "market_not_open", Msg: "market is not open for stakes"}
	ErrMarketNotResolvable = &Error{Kind: KindConflict, Code: "market_not_resolvable", Msg: "market cannot be resolved from its current status"}
	ErrInvalidTransition   = &Error{Kind: KindConflict, Code: "invalid_transition", Msg: "market status transition not allowed"}
	ErrStakeLimitExceeded  = &Error{Kind: KindConflict, Code: "stake_limit_exceeded", Msg: "stake limit exceeded"}
	ErrNotPending          = &Error{Kind: KindConflict, Code: "not_pending", Msg: "transaction is not pending"}
	ErrAlreadyExists       = &Error{Kind: KindConflict, Code: "already_exists", Msg: "already exists"}
	ErrInvariantViolation  = &Error{Kind: KindInvariant, Code: "invariant_violation", Msg: "balance invariant violated"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstream, Code: "upstream_unavailable", Msg: "upstream unavailable"}
)

// New returns a copy of base carrying a more specific message.
func New(base *Error, format string, args ...any) error {
	return &Error{
		Kind: base.Kind,
		Code: base.Code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap returns a copy of base that wraps cause.
func Wrap(base *Error, cause error) error {
	return &Error{
		Kind: base.Kind,
		Code: base.Code,
		Msg:  base.Msg,
		Err:  cause,
	}
}

// Validation is shorthand for a validation error with a specific message.
func Validation(format string, args ...any) error {
	return New(ErrValidation, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
