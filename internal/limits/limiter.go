// Package limits enforces per-user stake limits.
//
// Limits scale with the user's tier: a staking multiplier of 2 doubles both
// the single-stake ceiling and the open-exposure ceiling.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrStakeTooLarge is returned when a single stake exceeds the scaled
	// per-stake maximum.
	ErrStakeTooLarge = errors.New("limits: stake exceeds per-stake maximum")

	// ErrExposureExceeded is returned when a stake would push the user's
	// total open (unsettled) stake above the scaled exposure maximum.
	ErrExposureExceeded = errors.New("limits: open exposure limit exceeded")
)

// StakeLimiter holds the base limits for a BRONZE user. A zero limit
// disables that check.
type StakeLimiter struct {
	// MaxStake is the largest single stake allowed.
	MaxStake decimal.Decimal

	// MaxOpenExposure caps the sum of a user's pending stakes.
	MaxOpenExposure decimal.Decimal
}

// NewStakeLimiter creates a limiter with the given base limits.
// Negative limits are treated as zero (disabled).
func NewStakeLimiter(maxStake, maxOpenExposure decimal.Decimal) *StakeLimiter {
	if maxStake.IsNegative() {
		maxStake = decimal.Zero
	}
	if maxOpenExposure.IsNegative() {
		maxOpenExposure = decimal.Zero
	}
	return &StakeLimiter{
		MaxStake:        maxStake,
		MaxOpenExposure: maxOpenExposure,
	}
}

// Check validates a new stake of amount against the limits scaled by
// multiplier, given the user's current open exposure.
func (l *StakeLimiter) Check(amount, openExposure, multiplier decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if !multiplier.IsPositive() {
		multiplier = decimal.NewFromInt(1)
	}

	if l.MaxStake.IsPositive() && amount.GreaterThan(l.MaxStake.Mul(multiplier)) {
		return ErrStakeTooLarge
	}

	if l.MaxOpenExposure.IsPositive() {
		total := openExposure.Add(amount)
		if total.GreaterThan(l.MaxOpenExposure.Mul(multiplier)) {
			return ErrExposureExceeded
		}
	}

	return nil
}
