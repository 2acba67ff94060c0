package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
)

// Payout returns stake × odds, rounded to 8 decimal places.
func Payout(stake, odds decimal.Decimal) decimal.Decimal {
	return stake.Mul(odds).Round(moneyPlaces)
}

// Resolve marks the market SETTLED with the winning outcome, then sweeps its
// pending predictions. It returns how many predictions this call settled.
//
// Only OPEN and CLOSED markets resolve. The SETTLED transition is a
// conditional update, so of two concurrent calls exactly one proceeds and
// the other gets ErrAlreadySettled without writing anything.
func (e *Engine) Resolve(ctx context.Context, marketID, winningOutcomeID string) (int, error) {
	if marketID == "" {
		return 0, apperr.Validation("market id is required")
	}
	if winningOutcomeID == "" {
		return 0, apperr.Validation("winning outcome id is required")
	}

	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return translate(err, apperr.ErrMarketNotFound, "market %s not found", marketID)
		}
		if m.Status == model.MarketSettled {
			return apperr.New(apperr.ErrAlreadySettled, "market %s is already settled", marketID)
		}
		if _, ok := m.Outcome(winningOutcomeID); !ok {
			return apperr.New(apperr.ErrInvalidOutcome, "outcome %s is not on market %s", winningOutcomeID, marketID)
		}
		if m.Status != model.MarketOpen && m.Status != model.MarketClosed {
			return apperr.New(apperr.ErrMarketNotResolvable, "market %s is %s", marketID, m.Status)
		}

		settled, err := tx.SettleMarket(ctx, marketID, winningOutcomeID, e.now())
		if err != nil {
			return err
		}
		if !settled {
			return apperr.New(apperr.ErrAlreadySettled, "market %s is already settled", marketID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.logger.Info("market resolved", "market_id", marketID, "winning_outcome_id", winningOutcomeID)
	return e.Sweep(ctx, marketID)
}

// Sweep settles every PENDING prediction of a SETTLED market. Each
// prediction commits on its own; failures are collected and the sweep moves
// on. Running it again only touches what is still PENDING.
func (e *Engine) Sweep(ctx context.Context, marketID string) (int, error) {
	m, err := e.Market(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if m.Status != model.MarketSettled {
		return 0, apperr.New(apperr.ErrInvalidTransition, "market %s is %s, not settled", marketID, m.Status)
	}

	var pending []string
	if err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		pending, err = tx.ListPendingPredictionIDs(ctx, marketID)
		return err
	}); err != nil {
		return 0, fmt.Errorf("list pending predictions of %s: %w", marketID, err)
	}

	start := time.Now()
	var (
		count int
		errs  []error
	)
	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := e.settlePrediction(ctx, m, id)
		if err != nil {
			metrics.PredictionsSettled.WithLabelValues("failed").Inc()
			e.logger.Error("prediction settlement failed", "market_id", marketID, "prediction_id", id, "err", err)
			errs = append(errs, fmt.Errorf("prediction %s: %w", id, err))
			continue
		}
		if ok {
			count++
		}
	}
	metrics.SettlementLatency.Observe(time.Since(start).Seconds())

	e.logger.Info("market swept", "market_id", marketID, "settled", count, "failed", len(errs))
	e.events.Publish(ctx, events.New(events.MarketSettled, marketID, "", map[string]any{
		"winning_outcome_id": m.ResolvedOutcomeID,
		"settled":            count,
		"failed":             len(errs),
	}))
	return count, errors.Join(errs...)
}

// settlePrediction settles one prediction in its own unit of work. It
// reports false if the prediction was no longer PENDING.
func (e *Engine) settlePrediction(ctx context.Context, m *model.Market, predictionID string) (bool, error) {
	var (
		pred    *model.Prediction
		rewards []model.ReferralReward
	)
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPredictionForUpdate(ctx, predictionID)
		if err != nil {
			return translate(err, apperr.ErrNotFound, "prediction %s not found", predictionID)
		}
		if p.Status != model.PredictionPending {
			return nil
		}

		won := p.OutcomeID == m.ResolvedOutcomeID
		payout := decimal.Zero
		memo := &ledger.Memo{
			Type:        model.EntryBetLost,
			Amount:      p.Amount,
			ReferenceID: p.ID,
			Description: "stake lost",
		}
		if won {
			payout = Payout(p.Amount, p.OddsAtPrediction)
			memo.Type = model.EntryBetWon
			memo.Amount = payout
			memo.Description = "stake won"
		}
		memo.NetAmount = payout.Sub(p.Amount)

		book := e.ledger.In(tx)
		if won && e.referrals != nil {
			upline, err := e.referrals.UplineWallets(ctx, tx, p.UserID)
			if err != nil {
				return err
			}
			if err := book.LockWallets(ctx, append(upline, p.WalletID)...); err != nil {
				return err
			}
		}
		if _, err := book.ReleaseLockedAsPayout(ctx, p.WalletID, p.Currency, p.Amount, payout, memo); err != nil {
			return err
		}

		at := e.now()
		p.ActualPayout = payout
		p.SettledAt = &at
		p.Status = model.PredictionLost
		if won {
			p.Status = model.PredictionWon
		}
		if err := tx.SavePrediction(ctx, p); err != nil {
			return err
		}

		if err := e.recordResult(ctx, tx, p); err != nil {
			return fmt.Errorf("record result: %w", err)
		}

		if won && e.referrals != nil {
			rewards, err = e.referrals.Distribute(ctx, tx, p, payout)
			if err != nil {
				return fmt.Errorf("distribute referral rewards: %w", err)
			}
		}

		pred = p
		return nil
	})
	if err != nil || pred == nil {
		return false, err
	}

	result := "lost"
	if pred.Status == model.PredictionWon {
		result = "won"
	}
	metrics.PredictionsSettled.WithLabelValues(result).Inc()
	e.logger.Info("prediction settled",
		"prediction_id", pred.ID,
		"user_id", pred.UserID,
		"result", result,
		"payout", pred.ActualPayout.String(),
		"referral_rewards", len(rewards),
	)
	e.events.Publish(ctx, events.New(events.PredictionSettled, pred.MarketID, pred.UserID, pred))
	return true, nil
}

// Recover sweeps every SETTLED market that still has PENDING predictions,
// e.g. after a crash between the SETTLED transition and the end of a sweep.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	markets, err := e.store.ListSettledMarketsWithPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list markets to recover: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	var (
		total int
		errs  []error
	)
	for _, id := range markets {
		n, err := e.Sweep(ctx, id)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("market %s: %w", id, err))
		}
	}
	e.logger.Info("settlement recovery finished", "markets", len(markets), "settled", total, "failed", len(errs))
	return total, errors.Join(errs...)
}
