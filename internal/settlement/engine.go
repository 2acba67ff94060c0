// Package settlement runs the market and prediction state machines: market
// lifecycle, stake placement, resolution and the resumable settlement sweep.
//
// A market is marked SETTLED in its own unit of work before any prediction
// is paid. Each prediction is then settled in a separate unit of work, so a
// failure leaves the rest of the market untouched and a later Sweep or
// Recover picks up whatever is still PENDING.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/limits"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/referral"
	"github.com/wicketx/settlement-engine/internal/store"
)

// moneyPlaces is the rounding precision of payouts and fees.
const moneyPlaces = 8

// Engine settles markets against the ledger.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	referrals *referral.Distributor
	limiter   *limits.StakeLimiter
	events    events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a settlement engine. referrals, limiter and pub may be
// nil: no commissions, no stake limits, no events.
func NewEngine(l *ledger.Ledger, referrals *referral.Distributor, limiter *limits.StakeLimiter, pub events.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		store:     l.Store(),
		ledger:    l,
		referrals: referrals,
		limiter:   limiter,
		events:    pub,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OutcomeSpec describes one outcome of a new market.
type OutcomeSpec struct {
	Name string          `json:"name"`
	Odds decimal.Decimal `json:"odds"`
}

// MarketSpec describes a new market.
type MarketSpec struct {
	Title              string          `json:"title"`
	Currency           string          `json:"currency"`
	PlatformFeePercent decimal.Decimal `json:"platform_fee_percent"`
	Outcomes           []OutcomeSpec   `json:"outcomes"`
}

func (s MarketSpec) validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return apperr.Validation("title is required")
	}
	if s.Currency == "" {
		return apperr.Validation("currency is required")
	}
	if s.PlatformFeePercent.IsNegative() || s.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return apperr.Validation("platform fee must be in [0, 100), got %s", s.PlatformFeePercent)
	}
	if len(s.Outcomes) < 2 {
		return apperr.Validation("a market needs at least two outcomes")
	}
	seen := make(map[string]bool, len(s.Outcomes))
	for _, o := range s.Outcomes {
		name := strings.TrimSpace(o.Name)
		if name == "" {
			return apperr.Validation("outcome name is required")
		}
		if seen[name] {
			return apperr.Validation("duplicate outcome %q", name)
		}
		seen[name] = true
		if !o.Odds.GreaterThan(decimal.NewFromInt(1)) {
			return apperr.Validation("odds for %q must be greater than 1, got %s", name, o.Odds)
		}
	}
	return nil
}

// CreateMarket creates an UPCOMING market. Implied probabilities are 1/odds.
func (e *Engine) CreateMarket(ctx context.Context, spec MarketSpec) (*model.Market, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	m := &model.Market{
		ID:                 uuid.NewString(),
		Title:              strings.TrimSpace(spec.Title),
		Currency:           strings.ToUpper(spec.Currency),
		Status:             model.MarketUpcoming,
		PlatformFeePercent: spec.PlatformFeePercent,
		CreatedAt:          e.now(),
	}
	one := decimal.NewFromInt(1)
	for _, o := range spec.Outcomes {
		m.Outcomes = append(m.Outcomes, model.Outcome{
			ID:                 uuid.NewString(),
			MarketID:           m.ID,
			Name:               strings.TrimSpace(o.Name),
			Odds:               o.Odds,
			ImpliedProbability: one.Div(o.Odds).Round(moneyPlaces),
		})
	}

	if err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, m)
	}); err != nil {
		return nil, err
	}

	e.logger.Info("market created", "market_id", m.ID, "title", m.Title, "outcomes", len(m.Outcomes))
	return m, nil
}

// OpenMarket moves an UPCOMING market to OPEN.
func (e *Engine) OpenMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return e.transition(ctx, marketID, []model.MarketStatus{model.MarketUpcoming}, model.MarketOpen)
}

// GoLive moves an OPEN market to LIVE. Stakes are still accepted but the
// market cannot be resolved until it is closed.
func (e *Engine) GoLive(ctx context.Context, marketID string) (*model.Market, error) {
	return e.transition(ctx, marketID, []model.MarketStatus{model.MarketOpen}, model.MarketLive)
}

// CloseMarket stops accepting stakes.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return e.transition(ctx, marketID,
		[]model.MarketStatus{model.MarketUpcoming, model.MarketOpen, model.MarketLive}, model.MarketClosed)
}

func (e *Engine) transition(ctx context.Context, marketID string, from []model.MarketStatus, to model.MarketStatus) (*model.Market, error) {
	if marketID == "" {
		return nil, apperr.Validation("market id is required")
	}

	var m *model.Market
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		ok, err := tx.TransitionMarket(ctx, marketID, from, to)
		if err != nil {
			return translate(err, apperr.ErrMarketNotFound, "market %s not found", marketID)
		}
		m, err = tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !ok {
			if m.Status == model.MarketSettled {
				return apperr.New(apperr.ErrAlreadySettled, "market %s is settled", marketID)
			}
			return apperr.New(apperr.ErrInvalidTransition, "market %s cannot move from %s to %s", marketID, m.Status, to)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("market status changed", "market_id", marketID, "status", m.Status)
	e.events.Publish(ctx, events.New(events.MarketStatusChanged, marketID, "", map[string]string{"status": string(m.Status)}))
	return m, nil
}

// Market returns a market with its outcomes.
func (e *Engine) Market(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, translate(err, apperr.ErrMarketNotFound, "market %s not found", marketID)
	}
	return m, nil
}

// Predictions returns every prediction on a market.
func (e *Engine) Predictions(ctx context.Context, marketID string) ([]model.Prediction, error) {
	if _, err := e.Market(ctx, marketID); err != nil {
		return nil, err
	}
	preds, err := e.store.ListPredictionsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if preds == nil {
		preds = []model.Prediction{}
	}
	return preds, nil
}

func translate(err error, base *apperr.Error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(base, format, args...)
	}
	return err
}
