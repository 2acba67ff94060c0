package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/metrics"
)

// Reconciliation compares a wallet's aggregate balances with the sum of its
// currency rows. Amounts in different currencies are summed without
// conversion, so a mismatch is advisory only.
type Reconciliation struct {
	WalletID       string          `json:"wallet_id"`
	TotalBalance   decimal.Decimal `json:"total_balance"`
	LockedBalance  decimal.Decimal `json:"locked_balance"`
	CurrencyTotal  decimal.Decimal `json:"currency_total"`
	CurrencyLocked decimal.Decimal `json:"currency_locked"`
	Consistent     bool            `json:"consistent"`
}

// Reconcile reports whether walletID's currency rows add up to its aggregate.
func (l *Ledger) Reconcile(ctx context.Context, walletID string) (*Reconciliation, error) {
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, translate(err, apperr.ErrWalletNotFound, "wallet %s not found", walletID)
	}
	rows, err := l.store.ListCurrencyBalances(ctx, walletID)
	if err != nil {
		return nil, err
	}

	r := &Reconciliation{
		WalletID:       w.ID,
		TotalBalance:   w.TotalBalance,
		LockedBalance:  w.LockedBalance,
		CurrencyTotal:  decimal.Zero,
		CurrencyLocked: decimal.Zero,
	}
	for _, c := range rows {
		r.CurrencyTotal = r.CurrencyTotal.Add(c.Balance)
		r.CurrencyLocked = r.CurrencyLocked.Add(c.LockedBalance)
	}
	r.Consistent = r.CurrencyTotal.Equal(r.TotalBalance) && r.CurrencyLocked.Equal(r.LockedBalance)

	if !r.Consistent {
		metrics.ReconcileDiscrepancies.Inc()
		l.logger.Warn("wallet reconciliation mismatch",
			"wallet_id", w.ID,
			"total", w.TotalBalance.String(),
			"currency_total", r.CurrencyTotal.String(),
			"locked", w.LockedBalance.String(),
			"currency_locked", r.CurrencyLocked.String(),
		)
	}
	return r, nil
}

// ReconcileAll runs Reconcile over every wallet and returns the mismatches.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	wallets, err := l.store.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	var mismatches []Reconciliation
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return mismatches, err
		}
		r, err := l.Reconcile(ctx, w.ID)
		if err != nil {
			l.logger.Error("reconcile wallet failed", "wallet_id", w.ID, "err", err)
			continue
		}
		if !r.Consistent {
			mismatches = append(mismatches, *r)
		}
	}
	return mismatches, nil
}
