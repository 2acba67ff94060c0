package deposit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	guard  *Guard
	events *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	rec := events.NewRecorder(64)
	return &testEnv{store: st, ledger: l, guard: NewGuard(l, nil, rec, nil), events: rec}
}

func (e *testEnv) register(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: userID, Tier: "BRONZE"}); err != nil {
			return err
		}
		_, err := e.ledger.In(tx).OpenWallet(ctx, userID)
		return err
	})
	if err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
}

func (e *testEnv) available(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := e.store.GetWalletByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet of %s: %v", userID, err)
	}
	return w.AvailableBalance
}

const tronAddr = "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE"

func TestDuplicateNotificationCreditsOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "alice")
	if _, err := env.guard.BindAddress(ctx, "alice", "tron", tronAddr); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ev := Event{SourceRef: "tx123", Recipient: "address:TRON:" + tronAddr, Amount: d(100), Currency: "USDT"}
	first, replayed, err := env.guard.Credit(ctx, ev)
	if err != nil || replayed {
		t.Fatalf("first credit = replayed %v, err %v", replayed, err)
	}
	second, replayed, err := env.guard.Credit(ctx, ev)
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if !replayed || second.ID != first.ID {
		t.Errorf("second credit = %s replayed %v, want replay of %s", second.ID, replayed, first.ID)
	}

	if got := env.available(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("available = %s, want 100", got)
	}
	if got := len(env.events.Drain()); got != 1 {
		t.Errorf("deposit events = %d, want 1", got)
	}
}

func TestConcurrentNotificationsCreditOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "alice")

	ev := Event{SourceRef: "0xabc", Recipient: "user:alice", Amount: d(100), Currency: "USDT"}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := env.guard.Credit(ctx, ev); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.available(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("available = %s, want 100", got)
	}
	entries, _ := env.ledger.Entries(ctx, "alice")
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestUnresolvedRecipientHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "alice")

	for _, hint := range []string{
		"address:TRON:" + tronAddr,
		"session:cs_unknown",
		"user:nobody",
	} {
		_, _, err := env.guard.Credit(ctx, Event{SourceRef: "tx-" + hint, Recipient: hint, Amount: d(100), Currency: "USDT"})
		if !errors.Is(err, apperr.ErrUnresolvedRecipient) {
			t.Errorf("%s: err = %v, want ErrUnresolvedRecipient", hint, err)
		}
	}

	if got := env.available(t, "alice"); !got.IsZero() {
		t.Errorf("available = %s, want 0", got)
	}

	// Once the binding exists the same notification goes through.
	if _, err := env.guard.BindAddress(ctx, "alice", "TRON", tronAddr); err != nil {
		t.Fatal(err)
	}
	hint := "address:TRON:" + tronAddr
	if _, _, err := env.guard.Credit(ctx, Event{SourceRef: "tx-" + hint, Recipient: hint, Amount: d(100), Currency: "USDT"}); err != nil {
		t.Fatalf("retry after binding: %v", err)
	}
	if got := env.available(t, "alice"); !got.Equal(d(100)) {
		t.Errorf("available = %s, want 100", got)
	}
}

func TestSessionDeposit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "alice")

	s, err := env.guard.OpenSession(ctx, SessionRequest{SessionID: "cs_live_1", UserID: "alice", Currency: "usd"})
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if s.Currency != "USD" {
		t.Errorf("currency = %s, want USD", s.Currency)
	}

	_, _, err = env.guard.Credit(ctx, Event{SourceRef: "pi_1", Recipient: "session:cs_live_1", Amount: d(25), Currency: "EUR"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("currency mismatch err = %v, want ErrValidation", err)
	}

	entry, _, err := env.guard.Credit(ctx, Event{SourceRef: "pi_1", Recipient: "session:cs_live_1", Amount: d(25), Currency: "USD"})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if entry.Type != model.EntryDeposit || entry.Currency != "USD" || entry.SourceRef != "pi_1" {
		t.Errorf("entry = %+v", entry)
	}

	if _, err := env.guard.OpenSession(ctx, SessionRequest{SessionID: "cs_live_1", UserID: "alice", Currency: "USD"}); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("duplicate session err = %v, want ErrAlreadyExists", err)
	}
}

func TestCreditValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		ev   Event
	}{
		{"no source ref", Event{Recipient: "user:alice", Amount: d(1), Currency: "USDT"}},
		{"zero amount", Event{SourceRef: "x", Recipient: "user:alice", Amount: decimal.Zero, Currency: "USDT"}},
		{"no currency", Event{SourceRef: "x", Recipient: "user:alice", Amount: d(1)}},
		{"bad hint", Event{SourceRef: "x", Recipient: "alice", Amount: d(1), Currency: "USDT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := env.guard.Credit(context.Background(), tt.ev); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestBindAddress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.register(t, "alice")
	env.register(t, "bob")

	evm := "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	a, err := env.guard.BindAddress(ctx, "alice", "eth", evm)
	if err != nil {
		t.Fatal(err)
	}
	if a.Network != "ETH" || a.Address != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Errorf("binding = %+v", a)
	}
	if _, err := env.guard.BindAddress(ctx, "alice", "ETH", evm); err != nil {
		t.Errorf("rebinding to the same user: %v", err)
	}
	if _, err := env.guard.BindAddress(ctx, "bob", "ETH", evm); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("binding to another user err = %v, want ErrAlreadyExists", err)
	}
	if _, err := env.guard.BindAddress(ctx, "carol", "ETH", evm); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("unknown user err = %v, want ErrNotFound", err)
	}
	if _, err := env.guard.BindAddress(ctx, "alice", "DOGE", evm); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown network err = %v, want ErrValidation", err)
	}

	// Notifications with mixed-case EVM addresses resolve to the binding.
	_, _, err = env.guard.Credit(ctx, Event{SourceRef: "0xfeed", Recipient: "address:ETH:" + evm, Amount: d(5), Currency: "USDC"})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
}
