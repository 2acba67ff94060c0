package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
	"github.com/wicketx/settlement-engine/internal/tier"
)

func loadStats(ctx context.Context, tx store.Tx, userID string) (*model.UserStats, error) {
	s, err := tx.GetUserStats(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.UserStats{
			UserID:        userID,
			NetProfit:     decimal.Zero,
			TotalStaked:   decimal.Zero,
			SettledVolume: decimal.Zero,
		}, nil
	}
	return s, err
}

// recordResult updates the staker's stats for a settled prediction and
// promotes their tier when settled volume crosses a threshold. Tiers are
// never lowered.
func (e *Engine) recordResult(ctx context.Context, tx store.Tx, p *model.Prediction) error {
	stats, err := loadStats(ctx, tx, p.UserID)
	if err != nil {
		return err
	}

	if p.Status == model.PredictionWon {
		stats.Wins++
		stats.CurrentStreak++
		if stats.CurrentStreak > stats.BestStreak {
			stats.BestStreak = stats.CurrentStreak
		}
	} else {
		stats.Losses++
		stats.CurrentStreak = 0
	}
	stats.NetProfit = stats.NetProfit.Add(p.ActualPayout.Sub(p.Amount))
	stats.SettledVolume = stats.SettledVolume.Add(p.Amount)

	if err := tx.SaveUserStats(ctx, stats); err != nil {
		return err
	}

	user, err := tx.GetUser(ctx, p.UserID)
	if err != nil {
		return err
	}
	next := tier.Higher(user.Tier, tier.ForVolume(stats.SettledVolume))
	if next == tier.Normalize(user.Tier) {
		return nil
	}
	if err := tx.UpdateUserTier(ctx, p.UserID, next); err != nil {
		return err
	}
	e.logger.Info("user tier promoted", "user_id", p.UserID, "from", user.Tier, "to", next,
		"settled_volume", stats.SettledVolume.String())
	return nil
}
