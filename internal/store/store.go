// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over another Store), and in-memory (for testing and development).
//
// Every balance-affecting operation runs inside WithinTx. The callback sees a
// Tx whose writes become visible together on commit or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint,
	// e.g. a second COMPLETED ledger entry with the same source ref.
	ErrConflict = errors.New("store: conflict")
)

// Reader holds the read operations available both on a Store and inside a Tx.
// Reads on a Store are not locked; reads inside a Tx see the Tx's own writes.
type Reader interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserStats(ctx context.Context, userID string) (*model.UserStats, error)

	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error)
	ListWallets(ctx context.Context) ([]model.Wallet, error)
	ListCurrencyBalances(ctx context.Context, walletID string) ([]model.CurrencyBalance, error)

	GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error)
	ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListSettledMarketsWithPending(ctx context.Context) ([]string, error)

	GetPrediction(ctx context.Context, id string) (*model.Prediction, error)
	ListPredictionsByMarket(ctx context.Context, marketID string) ([]model.Prediction, error)

	ListReferralRewards(ctx context.Context, predictionID string) ([]model.ReferralReward, error)

	GetDepositAddress(ctx context.Context, network, address string) (*model.DepositAddress, error)
	GetPaymentSession(ctx context.Context, sessionID string) (*model.PaymentSession, error)
}

// Tx is the repository surface of one unit of work. Methods suffixed
// ForUpdate lock the row until the unit of work ends.
type Tx interface {
	Reader

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	UpdateUserTier(ctx context.Context, userID, tier string) error
	SaveUserStats(ctx context.Context, s *model.UserStats) error

	// --- Wallets ---

	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWalletForUpdate(ctx context.Context, id string) (*model.Wallet, error)
	SaveWallet(ctx context.Context, w *model.Wallet) error
	GetCurrencyBalanceForUpdate(ctx context.Context, walletID, symbol string) (*model.CurrencyBalance, error)
	// SaveCurrencyBalance inserts the row or replaces its balances.
	SaveCurrencyBalance(ctx context.Context, c *model.CurrencyBalance) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an entry. ErrConflict if the entry is
	// COMPLETED and another COMPLETED entry carries the same SourceRef.
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	FindCompletedEntryBySourceRef(ctx context.Context, sourceRef string) (*model.LedgerEntry, error)
	GetLedgerEntryForUpdate(ctx context.Context, id string) (*model.LedgerEntry, error)
	UpdateLedgerEntryStatus(ctx context.Context, id string, status model.EntryStatus, at time.Time) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	// GetMarketForShare reads the market and holds a shared lock on it, so a
	// concurrent SettleMarket or TransitionMarket waits for this unit of work.
	GetMarketForShare(ctx context.Context, id string) (*model.Market, error)
	// TransitionMarket moves the market to `to` only if its current status is
	// one of `from`. It reports whether the row changed.
	TransitionMarket(ctx context.Context, id string, from []model.MarketStatus, to model.MarketStatus) (bool, error)
	// SettleMarket marks an OPEN or CLOSED market SETTLED with the winning
	// outcome. It reports whether this call performed the transition.
	SettleMarket(ctx context.Context, id, outcomeID string, at time.Time) (bool, error)

	// --- Predictions ---

	InsertPrediction(ctx context.Context, p *model.Prediction) error
	GetPredictionForUpdate(ctx context.Context, id string) (*model.Prediction, error)
	SavePrediction(ctx context.Context, p *model.Prediction) error
	ListPendingPredictionIDs(ctx context.Context, marketID string) ([]string, error)
	SumOpenStake(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Referrals ---

	CreateReferral(ctx context.Context, r *model.Referral) error
	// ListUpline returns the referral edges whose referee is userID, by level.
	ListUpline(ctx context.Context, userID string) ([]model.Referral, error)
	ReferralRewardExists(ctx context.Context, predictionID, referralID string) (bool, error)
	InsertReferralReward(ctx context.Context, r *model.ReferralReward) error

	// --- Deposit bindings ---

	// BindDepositAddress is idempotent for the same user; ErrConflict if the
	// address is already bound to someone else.
	BindDepositAddress(ctx context.Context, a *model.DepositAddress) error
	CreatePaymentSession(ctx context.Context, s *model.PaymentSession) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Reader

	// WithinTx runs fn in one unit of work. If fn returns an error every
	// write is discarded; otherwise all writes commit together.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
