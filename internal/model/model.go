// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit             EntryType = "DEPOSIT"
	EntryWithdrawalRequested EntryType = "WITHDRAWAL_REQUESTED"
	EntryWithdrawalCompleted EntryType = "WITHDRAWAL_COMPLETED"
	EntryStakeLocked         EntryType = "STAKE_LOCKED"
	EntryBetWon              EntryType = "BET_WON"
	EntryBetLost             EntryType = "BET_LOST"
	EntryReferralReward      EntryType = "REFERRAL_REWARD"
	EntryFee                 EntryType = "FEE"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryWithdrawalRequested, EntryWithdrawalCompleted,
		EntryStakeLocked, EntryBetWon, EntryBetLost, EntryReferralReward, EntryFee:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of a ledger entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "PENDING"
	StatusCompleted EntryStatus = "COMPLETED"
	StatusFailed    EntryStatus = "FAILED"
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketUpcoming MarketStatus = "UPCOMING"
	MarketOpen     MarketStatus = "OPEN"
	MarketClosed   MarketStatus = "CLOSED"
	MarketLive     MarketStatus = "LIVE"
	MarketSettled  MarketStatus = "SETTLED"
)

// PredictionStatus is the lifecycle state of a prediction.
type PredictionStatus string

const (
	PredictionPending PredictionStatus = "PENDING"
	PredictionWon     PredictionStatus = "WON"
	PredictionLost    PredictionStatus = "LOST"
)

// User is the minimal account record the ledger needs: identity and tier.
type User struct {
	ID        string    `json:"id" db:"id"`
	Tier      string    `json:"tier" db:"tier"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserStats aggregates a user's settled betting history.
type UserStats struct {
	UserID        string          `json:"user_id" db:"user_id"`
	Wins          int64           `json:"wins" db:"wins"`
	Losses        int64           `json:"losses" db:"losses"`
	NetProfit     decimal.Decimal `json:"net_profit" db:"net_profit"`
	CurrentStreak int64           `json:"current_streak" db:"current_streak"`
	BestStreak    int64           `json:"best_streak" db:"best_streak"`
	TotalStaked   decimal.Decimal `json:"total_staked" db:"total_staked"`
	SettledVolume decimal.Decimal `json:"settled_volume" db:"settled_volume"`
}

// Wallet holds a user's aggregate balances.
// Invariant: TotalBalance == AvailableBalance + LockedBalance, all non-negative.
type Wallet struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	TotalBalance     decimal.Decimal `json:"total_balance" db:"total_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance" db:"available_balance"`
	LockedBalance    decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// CurrencyBalance is the per-symbol slice of a wallet. Balance is the symbol's
// total; the available part is Balance - LockedBalance.
type CurrencyBalance struct {
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance" db:"locked_balance"`
}

// Available returns the unlocked part of the symbol balance.
func (c CurrencyBalance) Available() decimal.Decimal {
	return c.Balance.Sub(c.LockedBalance)
}

// LedgerEntry is an immutable record of a balance-affecting event.
// Once created only Status (PENDING → COMPLETED/FAILED) and UpdatedAt change.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	WalletID    string          `json:"wallet_id" db:"wallet_id"`
	Type        EntryType       `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	NetAmount   decimal.Decimal `json:"net_amount" db:"net_amount"`
	Fee         decimal.Decimal `json:"fee" db:"fee"`
	Currency    string          `json:"currency" db:"currency"`
	Status      EntryStatus     `json:"status" db:"status"`
	SourceRef   string          `json:"source_ref,omitempty" db:"source_ref"`     // external dedup key
	ReferenceID string          `json:"reference_id,omitempty" db:"reference_id"` // prediction / entry it documents
	Destination string          `json:"destination,omitempty" db:"destination"`   // withdrawal target
	Description string          `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Outcome is one selectable result of a market.
type Outcome struct {
	ID                 string          `json:"id" db:"id"`
	MarketID           string          `json:"market_id" db:"market_id"`
	Name               string          `json:"name" db:"name"`
	Odds               decimal.Decimal `json:"odds" db:"odds"`
	ImpliedProbability decimal.Decimal `json:"implied_probability" db:"implied_probability"`
}

// Market is a cricket fixture question with a fixed set of outcomes.
type Market struct {
	ID                 string          `json:"id" db:"id"`
	Title              string          `json:"title" db:"title"`
	Currency           string          `json:"currency" db:"currency"`
	Status             MarketStatus    `json:"status" db:"status"`
	ResolvedOutcomeID  string          `json:"resolved_outcome_id,omitempty" db:"resolved_outcome_id"`
	PlatformFeePercent decimal.Decimal `json:"platform_fee_percent" db:"platform_fee_percent"`
	Outcomes           []Outcome       `json:"outcomes"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt         *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Outcome returns the outcome with the given id, if it belongs to the market.
func (m *Market) Outcome(id string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Prediction is a single user's stake on one outcome of one market.
// OddsAtPrediction is a snapshot and never changes.
type Prediction struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	WalletID         string           `json:"wallet_id" db:"wallet_id"`
	MarketID         string           `json:"market_id" db:"market_id"`
	OutcomeID        string           `json:"outcome_id" db:"outcome_id"`
	Amount           decimal.Decimal  `json:"amount" db:"amount"`
	Currency         string           `json:"currency" db:"currency"`
	OddsAtPrediction decimal.Decimal  `json:"odds_at_prediction" db:"odds_at_prediction"`
	Fee              decimal.Decimal  `json:"fee" db:"fee"`
	Status           PredictionStatus `json:"status" db:"status"`
	ActualPayout     decimal.Decimal  `json:"actual_payout" db:"actual_payout"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	SettledAt        *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
}

// Referral is an immutable referrer → referee edge at distance Level (1..3).
type Referral struct {
	ID         string    `json:"id" db:"id"`
	ReferrerID string    `json:"referrer_id" db:"referrer_id"`
	RefereeID  string    `json:"referee_id" db:"referee_id"`
	Level      int       `json:"level" db:"level"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ReferralReward records one commission payment. Its (PredictionID, ReferralID)
// pair is unique and marks the commission as paid.
type ReferralReward struct {
	ID            string          `json:"id" db:"id"`
	ReferralID    string          `json:"referral_id" db:"referral_id"`
	PredictionID  string          `json:"prediction_id" db:"prediction_id"`
	ReferrerID    string          `json:"referrer_id" db:"referrer_id"`
	RefereeID     string          `json:"referee_id" db:"referee_id"`
	Level         int             `json:"level" db:"level"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Currency      string          `json:"currency" db:"currency"`
	LedgerEntryID string          `json:"ledger_entry_id" db:"ledger_entry_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// DepositAddress binds an on-chain address to the user who owns it.
type DepositAddress struct {
	Address   string    `json:"address" db:"address"`
	Network   string    `json:"network" db:"network"`
	UserID    string    `json:"user_id" db:"user_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PaymentSession binds a card-payment session id to the paying user.
type PaymentSession struct {
	SessionID string    `json:"session_id" db:"session_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Currency  string    `json:"currency" db:"currency"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
