package ledger

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
)

// WithdrawalRequest asks to move funds out of a user's wallet.
type WithdrawalRequest struct {
	UserID      string          `json:"user_id"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
}

// RequestWithdrawal locks the amount and records a PENDING
// WITHDRAWAL_REQUESTED entry. The funds stay locked until the request is
// approved or rejected.
func (l *Ledger) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.LedgerEntry, error) {
	if req.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if strings.TrimSpace(req.Destination) == "" {
		return nil, apperr.Validation("destination is required")
	}

	var entry *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWalletByUser(ctx, req.UserID)
		if err != nil {
			return translate(err, apperr.ErrWalletNotFound, "no wallet for user %s", req.UserID)
		}
		entry, err = l.In(tx).Lock(ctx, w.ID, req.Currency, req.Amount, &Memo{
			Type:        model.EntryWithdrawalRequested,
			Status:      model.StatusPending,
			NetAmount:   req.Amount.Neg(),
			Destination: req.Destination,
			Description: "withdrawal requested",
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("withdrawal requested",
		"entry_id", entry.ID,
		"user_id", req.UserID,
		"currency", NormalizeCurrency(req.Currency),
		"amount", req.Amount.String(),
	)
	return entry, nil
}

// ApproveWithdrawal debits the locked funds, records a WITHDRAWAL_COMPLETED
// entry referencing the request, and marks the request COMPLETED.
func (l *Ledger) ApproveWithdrawal(ctx context.Context, entryID string) (*model.LedgerEntry, error) {
	var approved *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		req, err := l.pendingWithdrawal(ctx, tx, entryID)
		if err != nil {
			return err
		}

		_, err = l.In(tx).Debit(ctx, req.WalletID, req.Currency, req.Amount, &Memo{
			Type:        model.EntryWithdrawalCompleted,
			NetAmount:   req.Amount.Neg(),
			ReferenceID: req.ID,
			Destination: req.Destination,
			Description: "withdrawal completed",
		})
		if err != nil {
			return err
		}

		now := l.now()
		if err := tx.UpdateLedgerEntryStatus(ctx, req.ID, model.StatusCompleted, now); err != nil {
			return err
		}
		req.Status = model.StatusCompleted
		req.UpdatedAt = now
		approved = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("withdrawal approved", "entry_id", approved.ID, "user_id", approved.UserID)
	return approved, nil
}

// RejectWithdrawal returns the locked funds to available and marks the
// request FAILED.
func (l *Ledger) RejectWithdrawal(ctx context.Context, entryID string) (*model.LedgerEntry, error) {
	var rejected *model.LedgerEntry
	err := l.store.WithinTx(ctx, func(tx store.Tx) error {
		req, err := l.pendingWithdrawal(ctx, tx, entryID)
		if err != nil {
			return err
		}

		if _, err := l.In(tx).Unlock(ctx, req.WalletID, req.Currency, req.Amount, nil); err != nil {
			return err
		}

		now := l.now()
		if err := tx.UpdateLedgerEntryStatus(ctx, req.ID, model.StatusFailed, now); err != nil {
			return err
		}
		req.Status = model.StatusFailed
		req.UpdatedAt = now
		rejected = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("withdrawal rejected", "entry_id", rejected.ID, "user_id", rejected.UserID)
	return rejected, nil
}

func (l *Ledger) pendingWithdrawal(ctx context.Context, tx store.Tx, entryID string) (*model.LedgerEntry, error) {
	if entryID == "" {
		return nil, apperr.Validation("withdrawal id is required")
	}
	req, err := tx.GetLedgerEntryForUpdate(ctx, entryID)
	if err != nil {
		return nil, translate(err, apperr.ErrNotFound, "withdrawal %s not found", entryID)
	}
	if req.Type != model.EntryWithdrawalRequested {
		return nil, apperr.New(apperr.ErrNotPending, "entry %s is a %s entry, not a withdrawal request", entryID, req.Type)
	}
	if req.Status != model.StatusPending {
		return nil, apperr.New(apperr.ErrNotPending, "withdrawal %s is %s", entryID, req.Status)
	}
	return req, nil
}
