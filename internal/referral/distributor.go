// Package referral pays multi-level commissions on settled winning stakes and
// maintains the referral graph they are paid along.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
	"github.com/wicketx/settlement-engine/internal/tier"
)

// MaxLevel is the deepest referral edge that earns commission.
const MaxLevel = 3

// commissionPlaces is the rounding precision of a commission.
const commissionPlaces = 8

// DefaultRates are the base commission percentages for levels 1..3.
var DefaultRates = []decimal.Decimal{
	decimal.NewFromInt(5),
	decimal.NewFromInt(2),
	decimal.NewFromInt(1),
}

// Distributor walks a staker's upline and credits each referrer once per
// prediction.
type Distributor struct {
	ledger *ledger.Ledger
	rates  []decimal.Decimal
	logger *slog.Logger
	now    func() time.Time
}

// NewDistributor creates a Distributor with base rates in percent, indexed
// by level-1. Levels beyond len(rates) earn nothing.
func NewDistributor(l *ledger.Ledger, rates []decimal.Decimal, logger *slog.Logger) *Distributor {
	if logger == nil {
		logger = slog.Default()
	}
	if len(rates) > MaxLevel {
		rates = rates[:MaxLevel]
	}
	return &Distributor{
		ledger: l,
		rates:  rates,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Commission returns stake × baseRate/100 × (1 + bonus/100), rounded to 8
// decimal places.
func Commission(stake, baseRatePercent, bonusPercent decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	multiplier := decimal.NewFromInt(1).Add(bonusPercent.Div(hundred))
	return stake.Mul(baseRatePercent).Div(hundred).Mul(multiplier).Round(commissionPlaces)
}

// Distribute pays the upline of pred.UserID inside tx. A level whose
// ReferralReward for this prediction already exists is skipped, so a retried
// settlement pays each referrer at most once.
func (d *Distributor) Distribute(ctx context.Context, tx store.Tx, pred *model.Prediction, payout decimal.Decimal) ([]model.ReferralReward, error) {
	upline, err := tx.ListUpline(ctx, pred.UserID)
	if err != nil {
		return nil, fmt.Errorf("list upline of %s: %w", pred.UserID, err)
	}

	var paid []model.ReferralReward
	for _, edge := range upline {
		if edge.Level < 1 || edge.Level > len(d.rates) {
			continue
		}

		exists, err := tx.ReferralRewardExists(ctx, pred.ID, edge.ID)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		reward, err := d.pay(ctx, tx, pred, edge, payout)
		if err != nil {
			return nil, err
		}
		if reward != nil {
			paid = append(paid, *reward)
		}
	}
	return paid, nil
}

// UplineWallets returns the wallet ids Distribute may credit for a stake by
// userID. Referrers without a wallet are left out.
func (d *Distributor) UplineWallets(ctx context.Context, tx store.Tx, userID string) ([]string, error) {
	upline, err := tx.ListUpline(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list upline of %s: %w", userID, err)
	}
	var ids []string
	for _, edge := range upline {
		if edge.Level < 1 || edge.Level > len(d.rates) {
			continue
		}
		w, err := tx.GetWalletByUser(ctx, edge.ReferrerID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, w.ID)
	}
	return ids, nil
}

func (d *Distributor) pay(ctx context.Context, tx store.Tx, pred *model.Prediction, edge model.Referral, payout decimal.Decimal) (*model.ReferralReward, error) {
	referrer, err := tx.GetUser(ctx, edge.ReferrerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.ErrNotFound, "referrer %s not found", edge.ReferrerID)
		}
		return nil, err
	}

	terms := tier.For(referrer.Tier)
	amount := Commission(pred.Amount, d.rates[edge.Level-1], terms.ReferralBonusPercent)
	if !amount.IsPositive() {
		return nil, nil
	}

	wallet, err := tx.GetWalletByUser(ctx, referrer.ID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("referrer has no wallet, commission skipped",
			"referrer_id", referrer.ID, "prediction_id", pred.ID, "level", edge.Level)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry, _, err := d.ledger.In(tx).Credit(ctx, wallet.ID, pred.Currency, amount, ledger.Memo{
		Type:        model.EntryReferralReward,
		NetAmount:   amount,
		SourceRef:   SourceRef(pred.ID, edge.ID),
		ReferenceID: pred.ID,
		Description: fmt.Sprintf("level %d referral commission", edge.Level),
	})
	if err != nil {
		return nil, fmt.Errorf("credit referrer %s: %w", referrer.ID, err)
	}

	reward := &model.ReferralReward{
		ID:            uuid.NewString(),
		ReferralID:    edge.ID,
		PredictionID:  pred.ID,
		ReferrerID:    referrer.ID,
		RefereeID:     pred.UserID,
		Level:         edge.Level,
		Amount:        amount,
		Currency:      pred.Currency,
		LedgerEntryID: entry.ID,
		CreatedAt:     d.now(),
	}
	if err := tx.InsertReferralReward(ctx, reward); err != nil {
		return nil, fmt.Errorf("record referral reward: %w", err)
	}

	metrics.ReferralRewardsTotal.WithLabelValues(strconv.Itoa(edge.Level)).Inc()
	d.logger.Info("referral commission paid",
		"prediction_id", pred.ID,
		"referrer_id", referrer.ID,
		"level", edge.Level,
		"amount", amount.String(),
		"payout", payout.String(),
	)
	return reward, nil
}

// SourceRef is the idempotency key of the commission credit for one edge
// and one prediction.
func SourceRef(predictionID, referralID string) string {
	return "referral:" + predictionID + ":" + referralID
}

// Link records that referrerID referred refereeID: a level-1 edge to the
// referrer, plus level-2 and level-3 edges to the referrer's own upline.
// An empty referrerID is a no-op.
func (d *Distributor) Link(ctx context.Context, tx store.Tx, refereeID, referrerID string) ([]model.Referral, error) {
	if referrerID == "" {
		return nil, nil
	}
	if refereeID == referrerID {
		return nil, apperr.Validation("user %s cannot refer themselves", refereeID)
	}
	if _, err := tx.GetUser(ctx, referrerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.ErrNotFound, "referrer %s not found", referrerID)
		}
		return nil, err
	}

	now := d.now()
	edges := []model.Referral{{
		ID: uuid.NewString(), ReferrerID: referrerID, RefereeID: refereeID, Level: 1, CreatedAt: now,
	}}

	upline, err := tx.ListUpline(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	for _, up := range upline {
		if up.Level >= MaxLevel || up.ReferrerID == refereeID {
			continue
		}
		edges = append(edges, model.Referral{
			ID: uuid.NewString(), ReferrerID: up.ReferrerID, RefereeID: refereeID, Level: up.Level + 1, CreatedAt: now,
		})
	}

	for i := range edges {
		if err := tx.CreateReferral(ctx, &edges[i]); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, apperr.New(apperr.ErrAlreadyExists, "user %s already has a level %d referrer", refereeID, edges[i].Level)
			}
			return nil, err
		}
	}
	return edges, nil
}

// ParseRates parses a comma-separated list of percentages, e.g. "5,2,1".
func ParseRates(s string) ([]decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultRates, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > MaxLevel {
		return nil, fmt.Errorf("referral: at most %d level rates, got %d", MaxLevel, len(parts))
	}
	rates := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		r, err := decimal.NewFromString(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("referral: invalid rate %q: %w", p, err)
		}
		if r.IsNegative() {
			return nil, fmt.Errorf("referral: negative rate %s", r)
		}
		rates = append(rates, r)
	}
	return rates, nil
}
