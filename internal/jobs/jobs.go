package jobs

import (
	"context"
	"log/slog"

	"github.com/wicketx/settlement-engine/internal/ledger"
)

// Recoverer resumes settlements that stopped part way.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Reconciler compares every wallet with its currency rows.
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]ledger.Reconciliation, error)
}

// Recovery returns a job that sweeps SETTLED markets with PENDING predictions.
func Recovery(r Recoverer, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := r.Recover(ctx)
		if n > 0 {
			logger.Info("recovered pending predictions", "settled", n)
		}
		return err
	}
}

// Reconcile returns a job that logs how many wallets disagree with their
// currency rows. Mismatches are advisory and never fail the job.
func Reconcile(r Reconciler, logger *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		mismatches, err := r.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		if len(mismatches) > 0 {
			logger.Warn("reconciliation found mismatches", "wallets", len(mismatches))
		}
		return nil
	}
}
