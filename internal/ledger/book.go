// Package ledger owns every balance mutation. Wallet and per-currency
// balances change only through the primitives on Book, each of which checks
// the balance invariants before writing:
//
//	wallet:   Total == Available + Locked, all >= 0
//	currency: 0 <= Locked <= Balance
//
// A Book is bound to one open unit of work, so callers such as settlement can
// compose several primitives into a single atomic scope. Ledger wraps each
// primitive in its own unit of work for standalone use.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/observability"
	"github.com/wicketx/settlement-engine/internal/store"
)

// Memo describes the LedgerEntry that documents a primitive. A nil Memo
// means the primitive writes no entry.
type Memo struct {
	Type   model.EntryType
	Status model.EntryStatus // defaults to COMPLETED

	// Amount defaults to the primitive's amount.
	Amount    decimal.Decimal
	NetAmount decimal.Decimal
	Fee       decimal.Decimal

	SourceRef   string
	ReferenceID string
	Destination string
	Description string
}

// Book exposes the ledger primitives inside an open unit of work.
type Book struct {
	tx     store.Tx
	logger *slog.Logger
	now    func() time.Time
}

// In binds the ledger primitives to tx.
func (l *Ledger) In(tx store.Tx) *Book {
	return &Book{tx: tx, logger: l.logger, now: l.now}
}

// Lock moves amount from available to locked.
func (b *Book) Lock(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	currency, err := validateAmount(amount, currency)
	if err != nil {
		return nil, err
	}
	w, c, err := b.load(ctx, walletID, currency, false)
	if err != nil {
		return nil, err
	}
	if c.Available().LessThan(amount) || w.AvailableBalance.LessThan(amount) {
		b.count("lock", "rejected")
		return nil, apperr.New(apperr.ErrInsufficientFunds,
			"insufficient funds: %s %s available, %s requested", c.Available(), currency, amount)
	}

	c.LockedBalance = c.LockedBalance.Add(amount)
	w.LockedBalance = w.LockedBalance.Add(amount)
	w.AvailableBalance = w.AvailableBalance.Sub(amount)

	return b.commit(ctx, "lock", w, c, amount, memo)
}

// Unlock moves amount from locked back to available.
func (b *Book) Unlock(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	currency, err := validateAmount(amount, currency)
	if err != nil {
		return nil, err
	}
	w, c, err := b.load(ctx, walletID, currency, false)
	if err != nil {
		return nil, err
	}
	if c.LockedBalance.LessThan(amount) || w.LockedBalance.LessThan(amount) {
		return nil, b.violation(ctx, "unlock", walletID,
			"unlock %s %s exceeds locked balance %s", amount, currency, c.LockedBalance)
	}

	c.LockedBalance = c.LockedBalance.Sub(amount)
	w.LockedBalance = w.LockedBalance.Sub(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)

	return b.commit(ctx, "unlock", w, c, amount, memo)
}

// Credit adds amount to available and total and records a COMPLETED entry of
// memo.Type. If a COMPLETED entry with memo.SourceRef already exists, Credit
// changes nothing and returns that entry with replayed set.
func (b *Book) Credit(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo Memo) (entry *model.LedgerEntry, replayed bool, err error) {
	currency, err = validateAmount(amount, currency)
	if err != nil {
		return nil, false, err
	}
	if !memo.Type.Valid() {
		return nil, false, apperr.Validation("unknown entry type %q", memo.Type)
	}

	// The wallet row lock serializes concurrent credits carrying the same
	// source ref into this wallet before the dedup check below.
	w, err := b.tx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return nil, false, translate(err, apperr.ErrWalletNotFound, "wallet %s not found", walletID)
	}

	if memo.SourceRef != "" {
		prior, err := b.tx.FindCompletedEntryBySourceRef(ctx, memo.SourceRef)
		if err == nil {
			b.count("credit", "replayed")
			return prior, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("check source ref %s: %w", memo.SourceRef, err)
		}
	}

	c, err := b.currency(ctx, walletID, currency, true)
	if err != nil {
		return nil, false, err
	}

	c.Balance = c.Balance.Add(amount)
	w.TotalBalance = w.TotalBalance.Add(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)

	memo.Status = model.StatusCompleted
	entry, err = b.record(ctx, w, currency, amount, &memo)
	if errors.Is(err, store.ErrConflict) && memo.SourceRef != "" {
		// Lost a race with a credit into another wallet carrying the same ref.
		prior, ferr := b.tx.FindCompletedEntryBySourceRef(ctx, memo.SourceRef)
		if ferr != nil {
			return nil, false, fmt.Errorf("reread source ref %s: %w", memo.SourceRef, ferr)
		}
		b.count("credit", "replayed")
		return prior, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := b.save(ctx, "credit", w, c); err != nil {
		return nil, false, err
	}
	b.count("credit", "applied")
	return entry, false, nil
}

// Debit removes amount from locked and total. The funds must already be
// locked.
func (b *Book) Debit(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	currency, err := validateAmount(amount, currency)
	if err != nil {
		return nil, err
	}
	w, c, err := b.load(ctx, walletID, currency, false)
	if err != nil {
		return nil, err
	}
	if c.LockedBalance.LessThan(amount) || w.LockedBalance.LessThan(amount) {
		return nil, b.violation(ctx, "debit", walletID,
			"debit %s %s exceeds locked balance %s", amount, currency, c.LockedBalance)
	}

	c.LockedBalance = c.LockedBalance.Sub(amount)
	c.Balance = c.Balance.Sub(amount)
	w.LockedBalance = w.LockedBalance.Sub(amount)
	w.TotalBalance = w.TotalBalance.Sub(amount)

	return b.commit(ctx, "debit", w, c, amount, memo)
}

// ReleaseLockedAsPayout consumes lockedAmount from locked and total and adds
// payoutAmount to available and total, in one step. A zero payout settles a
// losing stake.
func (b *Book) ReleaseLockedAsPayout(ctx context.Context, walletID, currency string, lockedAmount, payoutAmount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	currency, err := validateAmount(lockedAmount, currency)
	if err != nil {
		return nil, err
	}
	if payoutAmount.IsNegative() {
		return nil, apperr.Validation("payout must not be negative, got %s", payoutAmount)
	}
	w, c, err := b.load(ctx, walletID, currency, false)
	if err != nil {
		return nil, err
	}
	if c.LockedBalance.LessThan(lockedAmount) || w.LockedBalance.LessThan(lockedAmount) {
		return nil, b.violation(ctx, "release", walletID,
			"release %s %s exceeds locked balance %s", lockedAmount, currency, c.LockedBalance)
	}

	c.LockedBalance = c.LockedBalance.Sub(lockedAmount)
	c.Balance = c.Balance.Sub(lockedAmount).Add(payoutAmount)
	w.LockedBalance = w.LockedBalance.Sub(lockedAmount)
	w.AvailableBalance = w.AvailableBalance.Add(payoutAmount)
	w.TotalBalance = w.TotalBalance.Sub(lockedAmount).Add(payoutAmount)

	return b.commit(ctx, "release", w, c, lockedAmount, memo)
}

// OpenWallet creates an empty wallet for userID.
func (b *Book) OpenWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if userID == "" {
		return nil, apperr.Validation("user id is required")
	}
	w := &model.Wallet{
		ID:               uuid.NewString(),
		UserID:           userID,
		TotalBalance:     decimal.Zero,
		AvailableBalance: decimal.Zero,
		LockedBalance:    decimal.Zero,
		UpdatedAt:        b.now(),
	}
	if err := b.tx.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.ErrAlreadyExists, "user %s already has a wallet", userID)
		}
		return nil, err
	}
	return w, nil
}

// LockWallets takes the row locks of walletIDs in ascending id order. A unit
// of work that touches several wallets calls it first, so two such units
// always contend in the same order.
func (b *Book) LockWallets(ctx context.Context, walletIDs ...string) error {
	ids := slices.Clone(walletIDs)
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		if _, err := b.tx.GetWalletForUpdate(ctx, id); err != nil {
			return translate(err, apperr.ErrWalletNotFound, "wallet %s not found", id)
		}
	}
	return nil
}

// --- internals ---

// load locks the wallet row, then the currency row.
func (b *Book) load(ctx context.Context, walletID, currency string, create bool) (*model.Wallet, *model.CurrencyBalance, error) {
	w, err := b.tx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return nil, nil, translate(err, apperr.ErrWalletNotFound, "wallet %s not found", walletID)
	}
	c, err := b.currency(ctx, walletID, currency, create)
	if err != nil {
		return nil, nil, err
	}
	return w, c, nil
}

func (b *Book) currency(ctx context.Context, walletID, currency string, create bool) (*model.CurrencyBalance, error) {
	c, err := b.tx.GetCurrencyBalanceForUpdate(ctx, walletID, currency)
	if errors.Is(err, store.ErrNotFound) && create {
		return &model.CurrencyBalance{
			WalletID:      walletID,
			Symbol:        currency,
			Balance:       decimal.Zero,
			LockedBalance: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, translate(err, apperr.ErrNotFound, "wallet %s holds no %s balance", walletID, currency)
	}
	return c, nil
}

func (b *Book) commit(ctx context.Context, op string, w *model.Wallet, c *model.CurrencyBalance, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	if err := b.save(ctx, op, w, c); err != nil {
		return nil, err
	}
	entry, err := b.record(ctx, w, c.Symbol, amount, memo)
	if err != nil {
		return nil, err
	}
	b.count(op, "applied")
	return entry, nil
}

// save checks both rows against the balance invariants and writes them.
func (b *Book) save(ctx context.Context, op string, w *model.Wallet, c *model.CurrencyBalance) error {
	if err := checkWallet(w); err != nil {
		return b.violation(ctx, op, w.ID, "%v", err)
	}
	if err := checkCurrency(c); err != nil {
		return b.violation(ctx, op, w.ID, "%v", err)
	}

	w.UpdatedAt = b.now()
	if err := b.tx.SaveWallet(ctx, w); err != nil {
		return fmt.Errorf("save wallet %s: %w", w.ID, err)
	}
	if err := b.tx.SaveCurrencyBalance(ctx, c); err != nil {
		return fmt.Errorf("save %s balance for wallet %s: %w", c.Symbol, w.ID, err)
	}
	return nil
}

func (b *Book) record(ctx context.Context, w *model.Wallet, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	if memo == nil {
		return nil, nil
	}
	now := b.now()
	e := &model.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      w.UserID,
		WalletID:    w.ID,
		Type:        memo.Type,
		Amount:      amount,
		NetAmount:   memo.NetAmount,
		Fee:         memo.Fee,
		Currency:    currency,
		Status:      memo.Status,
		SourceRef:   memo.SourceRef,
		ReferenceID: memo.ReferenceID,
		Destination: memo.Destination,
		Description: memo.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !memo.Amount.IsZero() {
		e.Amount = memo.Amount
	}
	if e.Status == "" {
		e.Status = model.StatusCompleted
	}
	if err := b.tx.InsertLedgerEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("insert %s entry: %w", e.Type, err)
	}
	return e, nil
}

// violation logs at alert level, counts the violation and returns the fatal
// error that aborts the unit of work.
func (b *Book) violation(ctx context.Context, op, walletID, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	metrics.InvariantViolations.WithLabelValues(op).Inc()
	observability.Alert(ctx, b.logger, "balance invariant violation",
		"op", op, "wallet_id", walletID, "detail", msg)
	return apperr.New(apperr.ErrInvariantViolation, "%s: %s", op, msg)
}

func (b *Book) count(op, result string) {
	metrics.LedgerOpsTotal.WithLabelValues(op, result).Inc()
}

func checkWallet(w *model.Wallet) error {
	if w.AvailableBalance.IsNegative() || w.LockedBalance.IsNegative() || w.TotalBalance.IsNegative() {
		return fmt.Errorf("wallet %s has a negative balance (total=%s available=%s locked=%s)",
			w.ID, w.TotalBalance, w.AvailableBalance, w.LockedBalance)
	}
	if !w.TotalBalance.Equal(w.AvailableBalance.Add(w.LockedBalance)) {
		return fmt.Errorf("wallet %s total %s != available %s + locked %s",
			w.ID, w.TotalBalance, w.AvailableBalance, w.LockedBalance)
	}
	return nil
}

func checkCurrency(c *model.CurrencyBalance) error {
	if c.Balance.IsNegative() || c.LockedBalance.IsNegative() {
		return fmt.Errorf("%s balance negative (balance=%s locked=%s)", c.Symbol, c.Balance, c.LockedBalance)
	}
	if c.LockedBalance.GreaterThan(c.Balance) {
		return fmt.Errorf("%s locked %s exceeds balance %s", c.Symbol, c.LockedBalance, c.Balance)
	}
	return nil
}

// validateAmount checks amount and returns currency in its stored form.
func validateAmount(amount decimal.Decimal, currency string) (string, error) {
	if !amount.IsPositive() {
		return "", apperr.Validation("amount must be positive, got %s", amount)
	}
	currency = NormalizeCurrency(currency)
	if currency == "" {
		return "", apperr.Validation("currency is required")
	}
	return currency, nil
}

// NormalizeCurrency returns the stored form of a currency symbol: trimmed and
// upper-cased.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// translate maps store.ErrNotFound to a business error and passes anything
// else through.
func translate(err error, base *apperr.Error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(base, format, args...)
	}
	return err
}
