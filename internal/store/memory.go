package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A unit of work holds the write lock for its whole duration and mutates a
// private copy of the state, which replaces the live state on commit.
type MemoryStore struct {
	mu sync.RWMutex
	st *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	s.st = work
	return nil
}

// --- Unlocked reads against the committed state ---

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetUser(ctx, id)
}

func (s *MemoryStore) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetUserStats(ctx, userID)
}

func (s *MemoryStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetWallet(ctx, id)
}

func (s *MemoryStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetWalletByUser(ctx, userID)
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListWallets(ctx)
}

func (s *MemoryStore) ListCurrencyBalances(ctx context.Context, walletID string) ([]model.CurrencyBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListCurrencyBalances(ctx, walletID)
}

func (s *MemoryStore) GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetLedgerEntry(ctx, id)
}

func (s *MemoryStore) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListLedgerEntriesByUser(ctx, userID)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetMarket(ctx, id)
}

func (s *MemoryStore) ListSettledMarketsWithPending(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListSettledMarketsWithPending(ctx)
}

func (s *MemoryStore) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPrediction(ctx, id)
}

func (s *MemoryStore) ListPredictionsByMarket(ctx context.Context, marketID string) ([]model.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListPredictionsByMarket(ctx, marketID)
}

func (s *MemoryStore) ListReferralRewards(ctx context.Context, predictionID string) ([]model.ReferralReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.ListReferralRewards(ctx, predictionID)
}

func (s *MemoryStore) GetDepositAddress(ctx context.Context, network, address string) (*model.DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetDepositAddress(ctx, network, address)
}

func (s *MemoryStore) GetPaymentSession(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.GetPaymentSession(ctx, sessionID)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memState)(nil)
)

// memState is one snapshot of the store. It implements Tx; the caller holds
// MemoryStore.mu.
type memState struct {
	users        map[string]model.User
	stats        map[string]model.UserStats
	wallets      map[string]model.Wallet
	walletByUser map[string]string
	balances     map[string]model.CurrencyBalance // walletID/symbol
	entries      []model.LedgerEntry
	entryIdx     map[string]int
	markets      map[string]model.Market
	predictions  map[string]model.Prediction
	predOrder    []string
	referrals    []model.Referral
	rewards      []model.ReferralReward
	addresses    map[string]model.DepositAddress // network/address
	sessions     map[string]model.PaymentSession
}

func newMemState() *memState {
	return &memState{
		users:        make(map[string]model.User),
		stats:        make(map[string]model.UserStats),
		wallets:      make(map[string]model.Wallet),
		walletByUser: make(map[string]string),
		balances:     make(map[string]model.CurrencyBalance),
		entryIdx:     make(map[string]int),
		markets:      make(map[string]model.Market),
		predictions:  make(map[string]model.Prediction),
		addresses:    make(map[string]model.DepositAddress),
		sessions:     make(map[string]model.PaymentSession),
	}
}

func (m *memState) clone() *memState {
	markets := make(map[string]model.Market, len(m.markets))
	for k, v := range m.markets {
		v.Outcomes = slices.Clone(v.Outcomes)
		markets[k] = v
	}
	return &memState{
		users:        cloneMap(m.users),
		stats:        cloneMap(m.stats),
		wallets:      cloneMap(m.wallets),
		walletByUser: cloneMap(m.walletByUser),
		balances:     cloneMap(m.balances),
		entries:      slices.Clone(m.entries),
		entryIdx:     cloneMap(m.entryIdx),
		markets:      markets,
		predictions:  cloneMap(m.predictions),
		predOrder:    slices.Clone(m.predOrder),
		referrals:    slices.Clone(m.referrals),
		rewards:      slices.Clone(m.rewards),
		addresses:    cloneMap(m.addresses),
		sessions:     cloneMap(m.sessions),
	}
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func balanceKey(walletID, symbol string) string { return walletID + "/" + symbol }
func addressKey(network, addr string) string    { return network + "/" + addr }

// --- Users ---

func (m *memState) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *memState) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	m.users[u.ID] = *u
	return nil
}

func (m *memState) UpdateUserTier(_ context.Context, userID, tier string) error {
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Tier = tier
	m.users[userID] = u
	return nil
}

func (m *memState) GetUserStats(_ context.Context, userID string) (*model.UserStats, error) {
	s, ok := m.stats[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *memState) SaveUserStats(_ context.Context, s *model.UserStats) error {
	m.stats[s.UserID] = *s
	return nil
}

// --- Wallets ---

func (m *memState) CreateWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := m.wallets[w.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.walletByUser[w.UserID]; ok {
		return ErrConflict
	}
	m.wallets[w.ID] = *w
	m.walletByUser[w.UserID] = w.ID
	return nil
}

func (m *memState) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

func (m *memState) GetWalletForUpdate(ctx context.Context, id string) (*model.Wallet, error) {
	return m.GetWallet(ctx, id)
}

func (m *memState) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	id, ok := m.walletByUser[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetWallet(ctx, id)
}

func (m *memState) ListWallets(_ context.Context) ([]model.Wallet, error) {
	out := make([]model.Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memState) SaveWallet(_ context.Context, w *model.Wallet) error {
	if _, ok := m.wallets[w.ID]; !ok {
		return ErrNotFound
	}
	m.wallets[w.ID] = *w
	return nil
}

func (m *memState) ListCurrencyBalances(_ context.Context, walletID string) ([]model.CurrencyBalance, error) {
	var out []model.CurrencyBalance
	for _, c := range m.balances {
		if c.WalletID == walletID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *memState) GetCurrencyBalanceForUpdate(_ context.Context, walletID, symbol string) (*model.CurrencyBalance, error) {
	c, ok := m.balances[balanceKey(walletID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memState) SaveCurrencyBalance(_ context.Context, c *model.CurrencyBalance) error {
	if _, ok := m.wallets[c.WalletID]; !ok {
		return ErrNotFound
	}
	m.balances[balanceKey(c.WalletID, c.Symbol)] = *c
	return nil
}

// --- Immutable ledger ---

func (m *memState) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if _, ok := m.entryIdx[e.ID]; ok {
		return ErrConflict
	}
	if e.Status == model.StatusCompleted && m.completedRefTaken(e.SourceRef, e.ID) {
		return ErrConflict
	}
	m.entryIdx[e.ID] = len(m.entries)
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memState) completedRefTaken(ref, exceptID string) bool {
	if ref == "" {
		return false
	}
	for _, e := range m.entries {
		if e.ID != exceptID && e.SourceRef == ref && e.Status == model.StatusCompleted {
			return true
		}
	}
	return false
}

func (m *memState) FindCompletedEntryBySourceRef(_ context.Context, sourceRef string) (*model.LedgerEntry, error) {
	if sourceRef == "" {
		return nil, ErrNotFound
	}
	for _, e := range m.entries {
		if e.SourceRef == sourceRef && e.Status == model.StatusCompleted {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memState) GetLedgerEntry(_ context.Context, id string) (*model.LedgerEntry, error) {
	i, ok := m.entryIdx[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.entries[i]
	return &e, nil
}

func (m *memState) GetLedgerEntryForUpdate(ctx context.Context, id string) (*model.LedgerEntry, error) {
	return m.GetLedgerEntry(ctx, id)
}

func (m *memState) UpdateLedgerEntryStatus(_ context.Context, id string, status model.EntryStatus, at time.Time) error {
	i, ok := m.entryIdx[id]
	if !ok {
		return ErrNotFound
	}
	e := m.entries[i]
	if status == model.StatusCompleted && m.completedRefTaken(e.SourceRef, e.ID) {
		return ErrConflict
	}
	e.Status = status
	e.UpdatedAt = at
	m.entries[i] = e
	return nil
}

func (m *memState) ListLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	var result []model.LedgerEntry
	for _, e := range m.entries {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Markets ---

func (m *memState) CreateMarket(_ context.Context, mk *model.Market) error {
	if _, ok := m.markets[mk.ID]; ok {
		return ErrConflict
	}
	c := *mk
	c.Outcomes = slices.Clone(mk.Outcomes)
	m.markets[mk.ID] = c
	return nil
}

func (m *memState) GetMarket(_ context.Context, id string) (*model.Market, error) {
	mk, ok := m.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	mk.Outcomes = slices.Clone(mk.Outcomes)
	return &mk, nil
}

func (m *memState) GetMarketForShare(ctx context.Context, id string) (*model.Market, error) {
	return m.GetMarket(ctx, id)
}

func (m *memState) TransitionMarket(_ context.Context, id string, from []model.MarketStatus, to model.MarketStatus) (bool, error) {
	mk, ok := m.markets[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, mk.Status) {
		return false, nil
	}
	mk.Status = to
	m.markets[id] = mk
	return true, nil
}

func (m *memState) SettleMarket(_ context.Context, id, outcomeID string, at time.Time) (bool, error) {
	mk, ok := m.markets[id]
	if !ok {
		return false, ErrNotFound
	}
	if mk.Status != model.MarketOpen && mk.Status != model.MarketClosed {
		return false, nil
	}
	mk.Status = model.MarketSettled
	mk.ResolvedOutcomeID = outcomeID
	mk.ResolvedAt = &at
	m.markets[id] = mk
	return true, nil
}

func (m *memState) ListSettledMarketsWithPending(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, pid := range m.predOrder {
		p := m.predictions[pid]
		if p.Status != model.PredictionPending || seen[p.MarketID] {
			continue
		}
		if mk, ok := m.markets[p.MarketID]; ok && mk.Status == model.MarketSettled {
			seen[p.MarketID] = true
			ids = append(ids, p.MarketID)
		}
	}
	return ids, nil
}

// --- Predictions ---

func (m *memState) InsertPrediction(_ context.Context, p *model.Prediction) error {
	if _, ok := m.predictions[p.ID]; ok {
		return ErrConflict
	}
	m.predictions[p.ID] = *p
	m.predOrder = append(m.predOrder, p.ID)
	return nil
}

func (m *memState) GetPrediction(_ context.Context, id string) (*model.Prediction, error) {
	p, ok := m.predictions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memState) GetPredictionForUpdate(ctx context.Context, id string) (*model.Prediction, error) {
	return m.GetPrediction(ctx, id)
}

func (m *memState) SavePrediction(_ context.Context, p *model.Prediction) error {
	if _, ok := m.predictions[p.ID]; !ok {
		return ErrNotFound
	}
	m.predictions[p.ID] = *p
	return nil
}

func (m *memState) ListPredictionsByMarket(_ context.Context, marketID string) ([]model.Prediction, error) {
	var out []model.Prediction
	for _, id := range m.predOrder {
		if p := m.predictions[id]; p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memState) ListPendingPredictionIDs(_ context.Context, marketID string) ([]string, error) {
	var ids []string
	for _, id := range m.predOrder {
		p := m.predictions[id]
		if p.MarketID == marketID && p.Status == model.PredictionPending {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memState) SumOpenStake(_ context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range m.predictions {
		if p.UserID == userID && p.Status == model.PredictionPending {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

// --- Referrals ---

func (m *memState) CreateReferral(_ context.Context, r *model.Referral) error {
	for _, existing := range m.referrals {
		if existing.ID == r.ID || (existing.RefereeID == r.RefereeID && existing.Level == r.Level) {
			return ErrConflict
		}
	}
	m.referrals = append(m.referrals, *r)
	return nil
}

func (m *memState) ListUpline(_ context.Context, userID string) ([]model.Referral, error) {
	var out []model.Referral
	for _, r := range m.referrals {
		if r.RefereeID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *memState) ReferralRewardExists(_ context.Context, predictionID, referralID string) (bool, error) {
	for _, r := range m.rewards {
		if r.PredictionID == predictionID && r.ReferralID == referralID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memState) InsertReferralReward(ctx context.Context, r *model.ReferralReward) error {
	if exists, _ := m.ReferralRewardExists(ctx, r.PredictionID, r.ReferralID); exists {
		return ErrConflict
	}
	m.rewards = append(m.rewards, *r)
	return nil
}

func (m *memState) ListReferralRewards(_ context.Context, predictionID string) ([]model.ReferralReward, error) {
	var out []model.ReferralReward
	for _, r := range m.rewards {
		if r.PredictionID == predictionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Deposit bindings ---

func (m *memState) BindDepositAddress(_ context.Context, a *model.DepositAddress) error {
	key := addressKey(a.Network, a.Address)
	if existing, ok := m.addresses[key]; ok {
		if existing.UserID != a.UserID {
			return ErrConflict
		}
		return nil
	}
	m.addresses[key] = *a
	return nil
}

func (m *memState) GetDepositAddress(_ context.Context, network, address string) (*model.DepositAddress, error) {
	a, ok := m.addresses[addressKey(network, address)]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *memState) CreatePaymentSession(_ context.Context, s *model.PaymentSession) error {
	if _, ok := m.sessions[s.SessionID]; ok {
		return ErrConflict
	}
	m.sessions[s.SessionID] = *s
	return nil
}

func (m *memState) GetPaymentSession(_ context.Context, sessionID string) (*model.PaymentSession, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}
