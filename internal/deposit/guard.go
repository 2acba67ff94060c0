// Package deposit credits external funding notifications (card payments and
// on-chain transfers) exactly once.
//
// Notifiers deliver at least once. The Guard resolves the recipient, then
// credits through the ledger keyed by the notification's source ref; a
// repeated notification replays the original entry instead of crediting
// again.
package deposit

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
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
)

// Event is one "funds received" notification.
type Event struct {
	SourceRef string          `json:"source_ref"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

func (e Event) validate() (Hint, error) {
	if strings.TrimSpace(e.SourceRef) == "" {
		return Hint{}, apperr.Validation("source_ref is required")
	}
	if !e.Amount.IsPositive() {
		return Hint{}, apperr.Validation("amount must be positive, got %s", e.Amount)
	}
	if e.Currency == "" {
		return Hint{}, apperr.Validation("currency is required")
	}
	h, err := ParseHint(e.Recipient)
	if err != nil {
		return Hint{}, apperr.Validation("%v", err)
	}
	return h, nil
}

// Guard is the single entry point for deposit notifications.
type Guard struct {
	ledger   *ledger.Ledger
	resolver Resolver
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// NewGuard creates a Guard. A nil resolver resolves through the ledger's
// store; a nil publisher publishes nothing.
func NewGuard(l *ledger.Ledger, resolver Resolver, pub events.Publisher, logger *slog.Logger) *Guard {
	if resolver == nil {
		resolver = NewStoreResolver(l.Store())
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		ledger:   l,
		resolver: resolver,
		events:   pub,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Credit applies a deposit notification. A notification whose source ref was
// already credited returns the original entry with replayed set; that is a
// success, not an error. An unresolvable recipient returns
// ErrUnresolvedRecipient and changes nothing.
func (g *Guard) Credit(ctx context.Context, ev Event) (*model.LedgerEntry, bool, error) {
	hint, err := ev.validate()
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}
	currency := strings.ToUpper(ev.Currency)

	rcpt, err := g.resolver.Resolve(ctx, hint)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			metrics.DepositsTotal.WithLabelValues("unresolved").Inc()
			g.logger.Warn("deposit recipient unresolved", "source_ref", ev.SourceRef, "hint", hint.String())
			return nil, false, apperr.Wrap(apperr.ErrUnresolvedRecipient, err)
		}
		return nil, false, err
	}
	if rcpt.Currency != "" && !strings.EqualFold(rcpt.Currency, currency) {
		metrics.DepositsTotal.WithLabelValues("rejected").Inc()
		return nil, false, apperr.Validation("session %s expects %s, got %s", hint.Value, rcpt.Currency, currency)
	}

	entry, replayed, err := g.ledger.Credit(ctx, rcpt.WalletID, currency, ev.Amount, ledger.Memo{
		Type:        model.EntryDeposit,
		SourceRef:   ev.SourceRef,
		Description: "deposit via " + hint.Kind,
	})
	if err != nil {
		metrics.DepositsTotal.WithLabelValues("failed").Inc()
		return nil, false, err
	}

	if replayed {
		metrics.DepositsTotal.WithLabelValues("replayed").Inc()
		if !entry.Amount.Equal(ev.Amount) || entry.WalletID != rcpt.WalletID {
			g.logger.Warn("deposit replay differs from original",
				"source_ref", ev.SourceRef,
				"original_amount", entry.Amount.String(),
				"amount", ev.Amount.String(),
				"original_wallet_id", entry.WalletID,
				"wallet_id", rcpt.WalletID,
			)
		}
		return entry, true, nil
	}

	metrics.DepositsTotal.WithLabelValues("credited").Inc()
	g.logger.Info("deposit credited",
		"source_ref", ev.SourceRef,
		"user_id", rcpt.UserID,
		"amount", ev.Amount.String(),
		"currency", currency,
	)
	g.events.Publish(ctx, events.New(events.DepositCredited, "", rcpt.UserID, entry))
	return entry, false, nil
}

// BindAddress records that an on-chain address belongs to userID. Binding the
// same address to the same user again is a no-op.
func (g *Guard) BindAddress(ctx context.Context, userID, network, address string) (*model.DepositAddress, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	network, address, err := NormalizeAddress(network, address)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}

	a := &model.DepositAddress{
		Address:   address,
		Network:   network,
		UserID:    userID,
		CreatedAt: g.now(),
	}
	err = g.ledger.Store().WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.ErrNotFound, "user %s not found", userID)
			}
			return err
		}
		if err := tx.BindDepositAddress(ctx, a); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.New(apperr.ErrAlreadyExists, "address %s on %s is bound to another user", address, network)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// SessionRequest opens a card-payment session.
type SessionRequest struct {
	// SessionID is the payment provider's id; one is generated when empty.
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
}

// OpenSession binds a payment session to the paying user.
func (g *Guard) OpenSession(ctx context.Context, req SessionRequest) (*model.PaymentSession, error) {
	if req.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if req.Currency == "" {
		return nil, apperr.Validation("currency is required")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	s := &model.PaymentSession{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Currency:  strings.ToUpper(req.Currency),
		CreatedAt: g.now(),
	}
	err := g.ledger.Store().WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetUser(ctx, req.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.New(apperr.ErrNotFound, "user %s not found", req.UserID)
			}
			return err
		}
		if err := tx.CreatePaymentSession(ctx, s); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.New(apperr.ErrAlreadyExists, "payment session %s already exists", req.SessionID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
