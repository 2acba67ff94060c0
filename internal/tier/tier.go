// Package tier maps a user tier to its fee and referral terms.
//
// The mapping is a pure function: no state, no side effects. Tiers are
// strictly ordered; every tier charges a lower fee and pays a higher referral
// bonus and staking multiplier than the one below it.
package tier

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Tier names.
const (
	Bronze   = "BRONZE"
	Silver   = "SILVER"
	Gold     = "GOLD"
	Platinum = "PLATINUM"
	Diamond  = "DIAMOND"
)

// Terms are the economic parameters attached to a tier. Percentages are
// expressed in percent (2.5 means 2.5%).
type Terms struct {
	Tier                 string          `json:"tier"`
	FeePercent           decimal.Decimal `json:"fee_percent"`
	ReferralBonusPercent decimal.Decimal `json:"referral_bonus_percent"`
	StakingMultiplier    decimal.Decimal `json:"staking_multiplier"`
	// MinVolume is the settled stake volume at which a user reaches the tier.
	MinVolume decimal.Decimal `json:"min_volume"`
}

var table = []Terms{
	{Tier: Bronze, FeePercent: dec("5"), ReferralBonusPercent: dec("0"), StakingMultiplier: dec("1"), MinVolume: dec("0")},
	{Tier: Silver, FeePercent: dec("4"), ReferralBonusPercent: dec("5"), StakingMultiplier: dec("1.5"), MinVolume: dec("10000")},
	{Tier: Gold, FeePercent: dec("3"), ReferralBonusPercent: dec("10"), StakingMultiplier: dec("2"), MinVolume: dec("50000")},
	{Tier: Platinum, FeePercent: dec("2"), ReferralBonusPercent: dec("15"), StakingMultiplier: dec("3"), MinVolume: dec("200000")},
	{Tier: Diamond, FeePercent: dec("1"), ReferralBonusPercent: dec("25"), StakingMultiplier: dec("5"), MinVolume: dec("1000000")},
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Ordered returns tier names from lowest to highest.
func Ordered() []string {
	out := make([]string, len(table))
	for i, t := range table {
		out[i] = t.Tier
	}
	return out
}

// Normalize upper-cases a tier name and maps unknown names to Bronze.
func Normalize(name string) string {
	return For(name).Tier
}

// Valid reports whether name is a known tier.
func Valid(name string) bool {
	return Rank(name) >= 0
}

// Rank returns the position of the tier in Ordered, or -1 if unknown.
func Rank(name string) int {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, t := range table {
		if t.Tier == name {
			return i
		}
	}
	return -1
}

// For returns the terms of a tier. Unknown tiers get Bronze terms.
func For(name string) Terms {
	if i := Rank(name); i >= 0 {
		return table[i]
	}
	return table[0]
}

// ForVolume returns the highest tier whose MinVolume is at most volume.
func ForVolume(volume decimal.Decimal) string {
	best := table[0].Tier
	for _, t := range table {
		if volume.GreaterThanOrEqual(t.MinVolume) {
			best = t.Tier
		}
	}
	return best
}

// Higher returns whichever of a and b ranks above the other.
func Higher(a, b string) string {
	if Rank(b) > Rank(a) {
		return Normalize(b)
	}
	return Normalize(a)
}
