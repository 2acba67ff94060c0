// Package account registers users: the user row, empty stats, a wallet and
// the referral edges, in one unit of work.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/referral"
	"github.com/wicketx/settlement-engine/internal/store"
	"github.com/wicketx/settlement-engine/internal/tier"
)

// Registration is the input of Register.
type Registration struct {
	// UserID is optional; one is generated when empty.
	UserID     string `json:"user_id"`
	Tier       string `json:"tier"`
	ReferrerID string `json:"referrer_id"`
}

// Account is a registered user with their wallet and upline.
type Account struct {
	User      model.User       `json:"user"`
	Wallet    model.Wallet     `json:"wallet"`
	Referrals []model.Referral `json:"referrals"`
}

// Service registers users.
type Service struct {
	ledger    *ledger.Ledger
	referrals *referral.Distributor
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(l *ledger.Ledger, referrals *referral.Distributor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:    l,
		referrals: referrals,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register creates the user, their stats row and wallet, and links them
// under ReferrerID. Nothing is written if any step fails.
func (s *Service) Register(ctx context.Context, r Registration) (*Account, error) {
	if r.Tier == "" {
		r.Tier = tier.Bronze
	}
	if !tier.Valid(r.Tier) {
		return nil, apperr.Validation("unknown tier %q", r.Tier)
	}
	if r.UserID == "" {
		r.UserID = uuid.NewString()
	}

	acct := &Account{
		User: model.User{
			ID:        strings.TrimSpace(r.UserID),
			Tier:      tier.Normalize(r.Tier),
			CreatedAt: s.now(),
		},
	}
	err := s.ledger.Store().WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &acct.User); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.New(apperr.ErrAlreadyExists, "user %s already exists", acct.User.ID)
			}
			return err
		}
		if err := tx.SaveUserStats(ctx, &model.UserStats{
			UserID:        acct.User.ID,
			NetProfit:     decimal.Zero,
			TotalStaked:   decimal.Zero,
			SettledVolume: decimal.Zero,
		}); err != nil {
			return err
		}

		w, err := s.ledger.In(tx).OpenWallet(ctx, acct.User.ID)
		if err != nil {
			return err
		}
		acct.Wallet = *w

		if s.referrals != nil {
			acct.Referrals, err = s.referrals.Link(ctx, tx, acct.User.ID, strings.TrimSpace(r.ReferrerID))
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if acct.Referrals == nil {
		acct.Referrals = []model.Referral{}
	}

	s.logger.Info("user registered", "user_id", acct.User.ID, "tier", acct.User.Tier, "referrer_id", r.ReferrerID)
	return acct, nil
}
