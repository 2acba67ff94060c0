package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wicketx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets, users and markets. Units of work always run against the
// primary; keys they touch are invalidated once they commit.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

var _ Store = (*CachedStore)(nil)

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &trackingTx{}
	err := s.Store.WithinTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		tracked.keys = tracked.keys[:0]
		return fn(tracked)
	})
	if err != nil {
		return err
	}
	if len(tracked.keys) > 0 {
		s.rdb.Del(ctx, tracked.keys...)
	}
	return nil
}

// trackingTx records the cache keys a unit of work writes to.
type trackingTx struct {
	Tx
	keys []string
}

func (t *trackingTx) touch(keys ...string) { t.keys = append(t.keys, keys...) }

func (t *trackingTx) CreateUser(ctx context.Context, u *model.User) error {
	t.touch(userKey(u.ID))
	return t.Tx.CreateUser(ctx, u)
}

func (t *trackingTx) UpdateUserTier(ctx context.Context, userID, tier string) error {
	t.touch(userKey(userID))
	return t.Tx.UpdateUserTier(ctx, userID, tier)
}

func (t *trackingTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	t.touch(walletKey(w.ID), userWalletKey(w.UserID))
	return t.Tx.CreateWallet(ctx, w)
}

func (t *trackingTx) SaveWallet(ctx context.Context, w *model.Wallet) error {
	t.touch(walletKey(w.ID))
	return t.Tx.SaveWallet(ctx, w)
}

func (t *trackingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.touch(marketKey(m.ID))
	return t.Tx.CreateMarket(ctx, m)
}

func (t *trackingTx) TransitionMarket(ctx context.Context, id string, from []model.MarketStatus, to model.MarketStatus) (bool, error) {
	t.touch(marketKey(id))
	return t.Tx.TransitionMarket(ctx, id, from, to)
}

func (t *trackingTx) SettleMarket(ctx context.Context, id, outcomeID string, at time.Time) (bool, error) {
	t.touch(marketKey(id))
	return t.Tx.SettleMarket(ctx, id, outcomeID, at)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	if s.getJSON(ctx, walletKey(id), &w) {
		return &w, nil
	}

	wp, err := s.Store.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, walletKey(id), wp)
	return wp, nil
}

func (s *CachedStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	// Try cache via user→walletID mapping.
	walletID, err := s.rdb.Get(ctx, userWalletKey(userID)).Result()
	if err == nil {
		return s.GetWallet(ctx, walletID)
	}

	w, err := s.Store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, walletKey(w.ID), w)
	s.rdb.Set(ctx, userWalletKey(userID), w.ID, s.ttl)
	return w, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.getJSON(ctx, userKey(id), &u) {
		return &u, nil
	}

	up, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, userKey(id), up)
	return up, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}

	mp, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, marketKey(id), mp)
	return mp, nil
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func walletKey(id string) string      { return fmt.Sprintf("wallet:%s", id) }
func userWalletKey(uid string) string { return fmt.Sprintf("user-wallet:%s", uid) }
func userKey(id string) string        { return fmt.Sprintf("user:%s", id) }
func marketKey(id string) string      { return fmt.Sprintf("market:%s", id) }
