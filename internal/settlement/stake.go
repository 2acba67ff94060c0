package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/limits"
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
	"github.com/wicketx/settlement-engine/internal/tier"
)

// StakeRequest is a user's stake on one outcome.
type StakeRequest struct {
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	OutcomeID string          `json:"outcome_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (r StakeRequest) validate() error {
	switch {
	case r.UserID == "":
		return apperr.Validation("user_id is required")
	case r.MarketID == "":
		return apperr.Validation("market_id is required")
	case r.OutcomeID == "":
		return apperr.Validation("outcome_id is required")
	case !r.Amount.IsPositive():
		return apperr.Validation("amount must be positive, got %s", r.Amount)
	}
	return nil
}

// FeeFor returns the fee on amount: the user's tier fee, or the market's
// platform fee when that is set and lower.
func FeeFor(amount decimal.Decimal, terms tier.Terms, m *model.Market) decimal.Decimal {
	pct := terms.FeePercent
	if m.PlatformFeePercent.IsPositive() && m.PlatformFeePercent.LessThan(pct) {
		pct = m.PlatformFeePercent
	}
	return amount.Mul(pct).Div(decimal.NewFromInt(100)).Round(moneyPlaces)
}

// PlaceStake locks the stake, charges the fee and records a PENDING
// prediction with the outcome's current odds, all in one unit of work.
func (e *Engine) PlaceStake(ctx context.Context, req StakeRequest) (*model.Prediction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var pred *model.Prediction
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForShare(ctx, req.MarketID)
		if err != nil {
			return translate(err, apperr.ErrMarketNotFound, "market %s not found", req.MarketID)
		}
		if m.Status != model.MarketOpen && m.Status != model.MarketLive {
			return apperr.New(apperr.ErrMarketNotOpen, "market %s is %s", m.ID, m.Status)
		}
		outcome, ok := m.Outcome(req.OutcomeID)
		if !ok {
			return apperr.New(apperr.ErrInvalidOutcome, "outcome %s is not on market %s", req.OutcomeID, m.ID)
		}

		user, err := tx.GetUser(ctx, req.UserID)
		if err != nil {
			return translate(err, apperr.ErrNotFound, "user %s not found", req.UserID)
		}
		w, err := tx.GetWalletByUser(ctx, req.UserID)
		if err != nil {
			return translate(err, apperr.ErrWalletNotFound, "no wallet for user %s", req.UserID)
		}
		terms := tier.For(user.Tier)

		exposure, err := tx.SumOpenStake(ctx, req.UserID)
		if err != nil {
			return err
		}
		if err := e.limiter.Check(req.Amount, exposure, terms.StakingMultiplier); err != nil {
			if errors.Is(err, limits.ErrStakeTooLarge) || errors.Is(err, limits.ErrExposureExceeded) {
				metrics.StakeLimitRejections.Inc()
				return apperr.Wrap(apperr.ErrStakeLimitExceeded, err)
			}
			return err
		}

		p := &model.Prediction{
			ID:               uuid.NewString(),
			UserID:           req.UserID,
			WalletID:         w.ID,
			MarketID:         m.ID,
			OutcomeID:        outcome.ID,
			Amount:           req.Amount,
			Currency:         m.Currency,
			OddsAtPrediction: outcome.Odds,
			Fee:              FeeFor(req.Amount, terms, m),
			Status:           model.PredictionPending,
			ActualPayout:     decimal.Zero,
			CreatedAt:        e.now(),
		}

		book := e.ledger.In(tx)
		if _, err := book.Lock(ctx, w.ID, m.Currency, p.Amount, &ledger.Memo{
			Type:        model.EntryStakeLocked,
			NetAmount:   p.Amount.Neg(),
			ReferenceID: p.ID,
			Description: "stake on " + outcome.Name,
		}); err != nil {
			return err
		}
		if p.Fee.IsPositive() {
			if _, err := book.Lock(ctx, w.ID, m.Currency, p.Fee, nil); err != nil {
				return err
			}
			if _, err := book.Debit(ctx, w.ID, m.Currency, p.Fee, &ledger.Memo{
				Type:        model.EntryFee,
				NetAmount:   p.Fee.Neg(),
				Fee:         p.Fee,
				ReferenceID: p.ID,
				Description: "stake fee",
			}); err != nil {
				return err
			}
		}

		if err := tx.InsertPrediction(ctx, p); err != nil {
			return err
		}

		stats, err := loadStats(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		stats.TotalStaked = stats.TotalStaked.Add(p.Amount)
		if err := tx.SaveUserStats(ctx, stats); err != nil {
			return err
		}

		pred = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.StakesTotal.Inc()
	e.logger.Info("stake placed",
		"prediction_id", pred.ID,
		"user_id", pred.UserID,
		"market_id", pred.MarketID,
		"amount", pred.Amount.String(),
		"fee", pred.Fee.String(),
	)
	e.events.Publish(ctx, events.New(events.StakePlaced, pred.MarketID, pred.UserID, pred))
	return pred, nil
}
