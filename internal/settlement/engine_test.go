package settlement

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/limits"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/referral"
	"github.com/wicketx/settlement-engine/internal/store"
	"github.com/wicketx/settlement-engine/internal/tier"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	dist   *referral.Distributor
	engine *Engine
	events *events.Recorder
}

func newTestEnv(t *testing.T, limiter *limits.StakeLimiter) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	l := ledger.New(st, nil)
	dist := referral.NewDistributor(l, referral.DefaultRates, nil)
	rec := events.NewRecorder(256)
	return &testEnv{
		store:  st,
		ledger: l,
		dist:   dist,
		engine: NewEngine(l, dist, limiter, rec, nil),
		events: rec,
	}
}

// register creates a user with a wallet, linked to referrerID if non-empty,
// and deposits funds if positive.
func (e *testEnv) register(t *testing.T, userID, referrerID string, funds float64) {
	t.Helper()
	ctx := context.Background()
	var walletID string
	err := e.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, &model.User{ID: userID, Tier: tier.Bronze}); err != nil {
			return err
		}
		w, err := e.ledger.In(tx).OpenWallet(ctx, userID)
		if err != nil {
			return err
		}
		walletID = w.ID
		_, err = e.dist.Link(ctx, tx, userID, referrerID)
		return err
	})
	if err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	if funds > 0 {
		_, _, err := e.ledger.Credit(ctx, walletID, "USDT", d(funds), ledger.Memo{
			Type:      model.EntryDeposit,
			SourceRef: "seed:" + userID,
		})
		if err != nil {
			t.Fatalf("fund %s: %v", userID, err)
		}
	}
}

// openMarket creates and opens a two-outcome USDT market. It returns the
// market and the ids of outcomes at 1.95 and 1.90.
func (e *testEnv) openMarket(t *testing.T) (*model.Market, string, string) {
	t.Helper()
	ctx := context.Background()
	m, err := e.engine.CreateMarket(ctx, MarketSpec{
		Title:    "IND vs AUS: match winner",
		Currency: "USDT",
		Outcomes: []OutcomeSpec{
			{Name: "India", Odds: d(1.95)},
			{Name: "Australia", Odds: d(1.90)},
		},
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	if _, err := e.engine.OpenMarket(ctx, m.ID); err != nil {
		t.Fatalf("open market: %v", err)
	}
	return m, m.Outcomes[0].ID, m.Outcomes[1].ID
}

func (e *testEnv) stake(t *testing.T, userID, marketID, outcomeID string, amount float64) *model.Prediction {
	t.Helper()
	p, err := e.engine.PlaceStake(context.Background(), StakeRequest{
		UserID: userID, MarketID: marketID, OutcomeID: outcomeID, Amount: d(amount),
	})
	if err != nil {
		t.Fatalf("stake %s: %v", userID, err)
	}
	return p
}

func (e *testEnv) wallet(t *testing.T, userID string) *model.Wallet {
	t.Helper()
	w, err := e.store.GetWalletByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet of %s: %v", userID, err)
	}
	return w
}

func (e *testEnv) stats(t *testing.T, userID string) *model.UserStats {
	t.Helper()
	s, err := e.store.GetUserStats(context.Background(), userID)
	if err != nil {
		t.Fatalf("stats of %s: %v", userID, err)
	}
	return s
}

func assertWallet(t *testing.T, w *model.Wallet, available, locked, total float64) {
	t.Helper()
	if !w.AvailableBalance.Equal(d(available)) || !w.LockedBalance.Equal(d(locked)) || !w.TotalBalance.Equal(d(total)) {
		t.Errorf("wallet = available %s locked %s total %s, want %v/%v/%v",
			w.AvailableBalance, w.LockedBalance, w.TotalBalance, available, locked, total)
	}
}

func TestPlaceStakeLocksStakeAndChargesFee(t *testing.T) {
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	m, india, _ := env.openMarket(t)

	p := env.stake(t, "alice", m.ID, india, 1000)

	if p.Status != model.PredictionPending {
		t.Errorf("status = %s, want PENDING", p.Status)
	}
	if !p.OddsAtPrediction.Equal(d(1.95)) {
		t.Errorf("odds snapshot = %s, want 1.95", p.OddsAtPrediction)
	}
	// BRONZE fee is 5%.
	if !p.Fee.Equal(d(50)) {
		t.Errorf("fee = %s, want 50", p.Fee)
	}
	assertWallet(t, env.wallet(t, "alice"), 950, 1000, 1950)

	entries, err := env.ledger.Entries(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	var types []model.EntryType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []model.EntryType{model.EntryDeposit, model.EntryStakeLocked, model.EntryFee}
	if len(types) != len(want) {
		t.Fatalf("entry types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, types[i], want[i])
		}
	}

	if got := env.stats(t, "alice").TotalStaked; !got.Equal(d(1000)) {
		t.Errorf("total staked = %s, want 1000", got)
	}
}

func TestFeeFor(t *testing.T) {
	bronze, diamond := tier.For(tier.Bronze), tier.For(tier.Diamond)
	tests := []struct {
		name      string
		terms     tier.Terms
		marketFee float64
		want      float64
	}{
		{"tier fee when market has none", bronze, 0, 50},
		{"market fee when lower", bronze, 2, 20},
		{"tier fee when lower than market", diamond, 2, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FeeFor(d(1000), tt.terms, &model.Market{PlatformFeePercent: d(tt.marketFee)})
			if !got.Equal(d(tt.want)) {
				t.Errorf("fee = %s, want %v", got, tt.want)
			}
		})
	}
}

func TestPlaceStakeRejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, limits.NewStakeLimiter(d(5000), decimal.Zero))
	env.register(t, "alice", "", 1000)
	m, india, _ := env.openMarket(t)

	upcoming, err := env.engine.CreateMarket(ctx, MarketSpec{
		Title: "ENG vs NZ", Currency: "USDT",
		Outcomes: []OutcomeSpec{{Name: "England", Odds: d(1.8)}, {Name: "New Zealand", Odds: d(2.1)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  StakeRequest
		want *apperr.Error
	}{
		{"zero amount", StakeRequest{UserID: "alice", MarketID: m.ID, OutcomeID: india, Amount: decimal.Zero}, apperr.ErrValidation},
		{"unknown market", StakeRequest{UserID: "alice", MarketID: "nope", OutcomeID: india, Amount: d(10)}, apperr.ErrMarketNotFound},
		{"market not open", StakeRequest{UserID: "alice", MarketID: upcoming.ID, OutcomeID: upcoming.Outcomes[0].ID, Amount: d(10)}, apperr.ErrMarketNotOpen},
		{"outcome of another market", StakeRequest{UserID: "alice", MarketID: m.ID, OutcomeID: upcoming.Outcomes[0].ID, Amount: d(10)}, apperr.ErrInvalidOutcome},
		{"stake plus fee exceeds available", StakeRequest{UserID: "alice", MarketID: m.ID, OutcomeID: india, Amount: d(1000)}, apperr.ErrInsufficientFunds},
		{"above stake limit", StakeRequest{UserID: "alice", MarketID: m.ID, OutcomeID: india, Amount: d(5001)}, apperr.ErrStakeLimitExceeded},
		{"unknown user", StakeRequest{UserID: "bob", MarketID: m.ID, OutcomeID: india, Amount: d(10)}, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.PlaceStake(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	// Nothing above may leave a trace.
	assertWallet(t, env.wallet(t, "alice"), 1000, 0, 1000)
	preds, err := env.engine.Predictions(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 0 {
		t.Errorf("predictions = %d, want 0", len(preds))
	}
}

func TestStakeRejectedAfterSettlementCommits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	env.register(t, "bob", "", 2000)
	m, india, _ := env.openMarket(t)
	env.stake(t, "alice", m.ID, india, 1000)

	if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err := env.engine.PlaceStake(ctx, StakeRequest{UserID: "bob", MarketID: m.ID, OutcomeID: india, Amount: d(100)})
	if !errors.Is(err, apperr.ErrMarketNotOpen) {
		t.Fatalf("err = %v, want %v", err, apperr.ErrMarketNotOpen)
	}
	assertWallet(t, env.wallet(t, "bob"), 2000, 0, 2000)

	preds, err := env.engine.Predictions(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 1 {
		t.Errorf("predictions = %d, want 1", len(preds))
	}
}

// Every stake that lands while the market is being resolved is either
// rejected or settled by that resolve; none is left PENDING.
func TestStakesRacingResolveAreNeverStranded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	for _, u := range users {
		env.register(t, u, "", 2000)
	}
	m, india, _ := env.openMarket(t)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := env.engine.PlaceStake(ctx, StakeRequest{UserID: u, MarketID: m.ID, OutcomeID: india, Amount: d(1000)})
			if err != nil && !errors.Is(err, apperr.ErrMarketNotOpen) {
				t.Errorf("stake %s: %v", u, err)
			}
		}(u)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
			t.Errorf("resolve: %v", err)
		}
	}()
	wg.Wait()

	preds, err := env.engine.Predictions(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range preds {
		if p.Status == model.PredictionPending {
			t.Errorf("prediction %s of %s left PENDING", p.ID, p.UserID)
		}
	}
	for _, u := range users {
		w := env.wallet(t, u)
		if !w.LockedBalance.IsZero() {
			t.Errorf("%s locked = %s, want 0", u, w.LockedBalance)
		}
	}
}

func TestResolvePaysWinner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	m, india, _ := env.openMarket(t)
	p := env.stake(t, "alice", m.ID, india, 1000)

	n, err := env.engine.Resolve(ctx, m.ID, india)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if n != 1 {
		t.Errorf("settled = %d, want 1", n)
	}

	got, err := env.store.GetPrediction(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.PredictionWon || !got.ActualPayout.Equal(d(1950)) || got.SettledAt == nil {
		t.Errorf("prediction = %s payout %s settled_at %v, want WON 1950", got.Status, got.ActualPayout, got.SettledAt)
	}
	// 2000 - 1000 stake - 50 fee + 1950 payout.
	assertWallet(t, env.wallet(t, "alice"), 2900, 0, 2900)

	s := env.stats(t, "alice")
	if s.Wins != 1 || s.Losses != 0 || s.CurrentStreak != 1 || s.BestStreak != 1 {
		t.Errorf("stats = %+v", s)
	}
	if !s.NetProfit.Equal(d(950)) {
		t.Errorf("net profit = %s, want 950", s.NetProfit)
	}
}

func TestResolveSettlesLoser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	m, india, australia := env.openMarket(t)
	p := env.stake(t, "alice", m.ID, india, 1000)

	if _, err := env.engine.Resolve(ctx, m.ID, australia); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := env.store.GetPrediction(ctx, p.ID)
	if got.Status != model.PredictionLost || !got.ActualPayout.IsZero() {
		t.Errorf("prediction = %s payout %s, want LOST 0", got.Status, got.ActualPayout)
	}
	assertWallet(t, env.wallet(t, "alice"), 950, 0, 950)

	s := env.stats(t, "alice")
	if s.Losses != 1 || s.CurrentStreak != 0 {
		t.Errorf("stats = %+v", s)
	}
	if !s.NetProfit.Equal(d(-1000)) {
		t.Errorf("net profit = %s, want -1000", s.NetProfit)
	}

	entries, _ := env.ledger.Entries(ctx, "alice")
	last := entries[len(entries)-1]
	if last.Type != model.EntryBetLost || !last.Amount.Equal(d(1000)) || !last.NetAmount.Equal(d(-1000)) {
		t.Errorf("last entry = %s amount %s net %s", last.Type, last.Amount, last.NetAmount)
	}
}

func TestResolveIsAtMostOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	m, india, australia := env.openMarket(t)
	env.stake(t, "alice", m.ID, india, 1000)

	if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	before, _ := env.ledger.Entries(ctx, "alice")

	for _, outcome := range []string{india, australia} {
		_, err := env.engine.Resolve(ctx, m.ID, outcome)
		if !errors.Is(err, apperr.ErrAlreadySettled) {
			t.Fatalf("second resolve err = %v, want ErrAlreadySettled", err)
		}
	}

	after, _ := env.ledger.Entries(ctx, "alice")
	if len(after) != len(before) {
		t.Errorf("entries = %d, want %d", len(after), len(before))
	}
	assertWallet(t, env.wallet(t, "alice"), 2900, 0, 2900)
	got, _ := env.store.GetMarket(ctx, m.ID)
	if got.ResolvedOutcomeID != india {
		t.Errorf("resolved outcome = %s, want %s", got.ResolvedOutcomeID, india)
	}
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		env.register(t, u, "", 2000)
	}
	m, india, _ := env.openMarket(t)
	for _, u := range users {
		env.stake(t, u, m.ID, india, 1000)
	}

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := env.engine.Resolve(ctx, m.ID, india)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
				settled += n
			case !errors.Is(err, apperr.ErrAlreadySettled):
				t.Errorf("resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful resolves = %d, want 1", successes)
	}
	if settled != len(users) {
		t.Errorf("settled = %d, want %d", settled, len(users))
	}
	for _, u := range users {
		assertWallet(t, env.wallet(t, u), 2900, 0, 2900)
	}
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	m, india, _ := env.openMarket(t)

	live, err := env.engine.CreateMarket(ctx, MarketSpec{
		Title: "PAK vs SL", Currency: "USDT",
		Outcomes: []OutcomeSpec{{Name: "Pakistan", Odds: d(1.7)}, {Name: "Sri Lanka", Odds: d(2.2)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	upcomingOutcome := live.Outcomes[0].ID

	tests := []struct {
		name    string
		market  string
		outcome string
		setup   func()
		want    *apperr.Error
	}{
		{"empty market", "", india, nil, apperr.ErrValidation},
		{"empty outcome", m.ID, "", nil, apperr.ErrValidation},
		{"unknown market", "nope", india, nil, apperr.ErrMarketNotFound},
		{"foreign outcome", m.ID, upcomingOutcome, nil, apperr.ErrInvalidOutcome},
		{"upcoming market", live.ID, upcomingOutcome, nil, apperr.ErrMarketNotResolvable},
		{"live market", live.ID, upcomingOutcome, func() {
			if _, err := env.engine.OpenMarket(ctx, live.ID); err != nil {
				t.Fatal(err)
			}
			if _, err := env.engine.GoLive(ctx, live.ID); err != nil {
				t.Fatal(err)
			}
		}, apperr.ErrMarketNotResolvable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			_, err := env.engine.Resolve(ctx, tt.market, tt.outcome)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	got, _ := env.store.GetMarket(ctx, m.ID)
	if got.Status != model.MarketOpen {
		t.Errorf("status = %s, want OPEN", got.Status)
	}
}

func TestMarketLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 500)
	m, india, _ := env.openMarket(t)

	if _, err := env.engine.OpenMarket(ctx, m.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("reopen err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.engine.GoLive(ctx, m.ID); err != nil {
		t.Fatalf("go live: %v", err)
	}
	// LIVE markets still take stakes.
	env.stake(t, "alice", m.ID, india, 100)

	closed, err := env.engine.CloseMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != model.MarketClosed {
		t.Errorf("status = %s, want CLOSED", closed.Status)
	}
	_, err = env.engine.PlaceStake(ctx, StakeRequest{UserID: "alice", MarketID: m.ID, OutcomeID: india, Amount: d(10)})
	if !errors.Is(err, apperr.ErrMarketNotOpen) {
		t.Fatalf("stake on closed market err = %v, want ErrMarketNotOpen", err)
	}

	if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
		t.Fatalf("resolve closed market: %v", err)
	}
	if _, err := env.engine.CloseMarket(ctx, m.ID); !errors.Is(err, apperr.ErrAlreadySettled) {
		t.Fatalf("close settled err = %v, want ErrAlreadySettled", err)
	}
	if _, err := env.engine.OpenMarket(ctx, "nope"); !errors.Is(err, apperr.ErrMarketNotFound) {
		t.Fatalf("open unknown err = %v, want ErrMarketNotFound", err)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		spec MarketSpec
	}{
		{"no title", MarketSpec{Currency: "USDT", Outcomes: []OutcomeSpec{{Name: "a", Odds: d(2)}, {Name: "b", Odds: d(2)}}}},
		{"one outcome", MarketSpec{Title: "t", Currency: "USDT", Outcomes: []OutcomeSpec{{Name: "a", Odds: d(2)}}}},
		{"odds of one", MarketSpec{Title: "t", Currency: "USDT", Outcomes: []OutcomeSpec{{Name: "a", Odds: d(1)}, {Name: "b", Odds: d(2)}}}},
		{"duplicate outcome", MarketSpec{Title: "t", Currency: "USDT", Outcomes: []OutcomeSpec{{Name: "a", Odds: d(2)}, {Name: "a", Odds: d(2)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.engine.CreateMarket(context.Background(), tt.spec); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestRecoverFinishesInterruptedSettlement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	env.register(t, "bob", "", 2000)
	m, india, australia := env.openMarket(t)
	env.stake(t, "alice", m.ID, india, 1000)
	env.stake(t, "bob", m.ID, australia, 1000)

	// Crash after the SETTLED transition, before any prediction is paid.
	err := env.store.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.SettleMarket(ctx, m.ID, india, env.engine.now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := env.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered = %d, want 2", n)
	}
	assertWallet(t, env.wallet(t, "alice"), 2900, 0, 2900)
	assertWallet(t, env.wallet(t, "bob"), 950, 0, 950)

	n, err = env.engine.Recover(ctx)
	if err != nil || n != 0 {
		t.Errorf("second recover = %d, %v; want 0, nil", n, err)
	}
	n, err = env.engine.Sweep(ctx, m.ID)
	if err != nil || n != 0 {
		t.Errorf("repeat sweep = %d, %v; want 0, nil", n, err)
	}
}

func TestSweepRejectsUnsettledMarket(t *testing.T) {
	env := newTestEnv(t, nil)
	m, _, _ := env.openMarket(t)
	if _, err := env.engine.Sweep(context.Background(), m.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestReferralChainPaidOnceUnderRetriedSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "A", "", 0)
	env.register(t, "B", "A", 0)
	env.register(t, "C", "B", 2000)
	m, india, _ := env.openMarket(t)
	env.stake(t, "C", m.ID, india, 1000)

	if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.engine.Sweep(ctx, m.ID); err != nil {
			t.Fatalf("retry sweep: %v", err)
		}
		if _, err := env.engine.Recover(ctx); err != nil {
			t.Fatalf("retry recover: %v", err)
		}
	}

	// Level 1 earns 5%, level 2 earns 2% of the 1000 stake.
	assertWallet(t, env.wallet(t, "B"), 50, 0, 50)
	assertWallet(t, env.wallet(t, "A"), 20, 0, 20)

	preds, _ := env.engine.Predictions(ctx, m.ID)
	rewards, err := env.store.ListReferralRewards(ctx, preds[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rewards) != 2 {
		t.Errorf("rewards = %d, want 2", len(rewards))
	}
}

func TestLoserEarnsNoReferralReward(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "A", "", 0)
	env.register(t, "B", "A", 2000)
	m, india, australia := env.openMarket(t)
	env.stake(t, "B", m.ID, india, 1000)

	if _, err := env.engine.Resolve(ctx, m.ID, australia); err != nil {
		t.Fatal(err)
	}
	assertWallet(t, env.wallet(t, "A"), 0, 0, 0)
}

func TestSettledVolumePromotesTier(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 11000)
	m, india, australia := env.openMarket(t)
	env.stake(t, "alice", m.ID, india, 10000)

	if _, err := env.engine.Resolve(ctx, m.ID, australia); err != nil {
		t.Fatal(err)
	}
	u, err := env.store.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.Tier != tier.Silver {
		t.Errorf("tier = %s, want %s", u.Tier, tier.Silver)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.register(t, "alice", "", 2000)
	m, india, _ := env.openMarket(t)
	env.events.Drain()

	env.stake(t, "alice", m.ID, india, 1000)
	if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
		t.Fatal(err)
	}

	var got []events.Type
	for _, ev := range env.events.Drain() {
		got = append(got, ev.Type)
	}
	want := []events.Type{events.StakePlaced, events.PredictionSettled, events.MarketSettled}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	// A failed stake publishes nothing.
	_, _ = env.engine.PlaceStake(ctx, StakeRequest{UserID: "alice", MarketID: m.ID, OutcomeID: india, Amount: d(1e9)})
	if extra := env.events.Drain(); len(extra) != 0 {
		t.Errorf("unexpected events %v", extra)
	}
}

// lockOrderStore records, per unit of work, the order of wallet row locks.
type lockOrderStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	units [][]string
}

func (s *lockOrderStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &lockOrderTx{}
	err := s.MemoryStore.WithinTx(ctx, func(inner store.Tx) error {
		tx.Tx = inner
		return fn(tx)
	})
	s.mu.Lock()
	s.units = append(s.units, tx.locked)
	s.mu.Unlock()
	return err
}

type lockOrderTx struct {
	store.Tx
	locked []string
}

func (t *lockOrderTx) GetWalletForUpdate(ctx context.Context, id string) (*model.Wallet, error) {
	t.locked = append(t.locked, id)
	return t.Tx.GetWalletForUpdate(ctx, id)
}

func TestWinningSettlementLocksWalletsInIDOrder(t *testing.T) {
	ctx := context.Background()
	st := &lockOrderStore{MemoryStore: store.NewMemoryStore()}
	l := ledger.New(st, nil)
	dist := referral.NewDistributor(l, referral.DefaultRates, nil)
	rec := events.NewRecorder(64)
	env := &testEnv{store: st.MemoryStore, ledger: l, dist: dist, engine: NewEngine(l, dist, nil, rec, nil), events: rec}

	env.register(t, "grandparent", "", 0)
	env.register(t, "parent", "grandparent", 0)
	env.register(t, "staker", "parent", 2000)
	m, india, _ := env.openMarket(t)
	env.stake(t, "staker", m.ID, india, 1000)

	st.mu.Lock()
	st.units = nil
	st.mu.Unlock()
	if _, err := env.engine.Resolve(ctx, m.ID, india); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	want := []string{
		env.wallet(t, "staker").ID, env.wallet(t, "parent").ID, env.wallet(t, "grandparent").ID,
	}
	slices.Sort(want)
	var settle []string
	for _, u := range st.units {
		if len(u) > 0 {
			settle = u
			break
		}
	}
	if len(settle) < len(want) || !slices.Equal(settle[:len(want)], want) {
		t.Errorf("first wallet locks = %v, want %v", settle, want)
	}
	if got := env.wallet(t, "parent").AvailableBalance; !got.IsPositive() {
		t.Errorf("parent commission = %s, want positive", got)
	}
}
