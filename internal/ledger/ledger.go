package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
)

// Ledger runs each primitive in its own unit of work.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger over st. A nil logger means slog.Default().
func New(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

func (l *Ledger) Lock(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.In(tx).Lock(ctx, walletID, currency, amount, memo)
		return err
	})
	return entry, err
}

func (l *Ledger) Unlock(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.In(tx).Unlock(ctx, walletID, currency, amount, memo)
		return err
	})
	return entry, err
}

func (l *Ledger) Debit(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.In(tx).Debit(ctx, walletID, currency, amount, memo)
		return err
	})
	return entry, err
}

func (l *Ledger) ReleaseLockedAsPayout(ctx context.Context, walletID, currency string, lockedAmount, payoutAmount decimal.Decimal, memo *Memo) (*model.LedgerEntry, error) {
	var entry *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = l.In(tx).ReleaseLockedAsPayout(ctx, walletID, currency, lockedAmount, payoutAmount, memo)
		return err
	})
	return entry, err
}

// Credit runs Book.Credit in its own unit of work. A commit that loses a
// uniqueness race on the source ref is retried once, which then replays.
func (l *Ledger) Credit(ctx context.Context, walletID, currency string, amount decimal.Decimal, memo Memo) (*model.LedgerEntry, bool, error) {
	var (
		entry    *model.LedgerEntry
		replayed bool
	)
	run := func() error {
		return l.store.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			entry, replayed, err = l.In(tx).Credit(ctx, walletID, currency, amount, memo)
			return err
		})
	}
	err := run()
	if errors.Is(err, store.ErrConflict) && memo.SourceRef != "" {
		l.logger.Warn("credit lost source ref race, retrying", "source_ref", memo.SourceRef)
		err = run()
	}
	return entry, replayed, err
}

func (l *Ledger) OpenWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w *model.Wallet
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = l.In(tx).OpenWallet(ctx, userID)
		return err
	})
	return w, err
}

// WalletView is a wallet with its per-currency rows.
type WalletView struct {
	Wallet     model.Wallet            `json:"wallet"`
	Currencies []model.CurrencyBalance `json:"currencies"`
}

// WalletOf returns the wallet owned by userID with its currency rows.
func (l *Ledger) WalletOf(ctx context.Context, userID string) (*WalletView, error) {
	w, err := l.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, translate(err, apperr.ErrWalletNotFound, "no wallet for user %s", userID)
	}
	rows, err := l.store.ListCurrencyBalances(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.CurrencyBalance{}
	}
	return &WalletView{Wallet: *w, Currencies: rows}, nil
}

// Entries returns the ledger entries of userID in insertion order.
func (l *Ledger) Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	entries, err := l.store.ListLedgerEntriesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}
