package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wicketx/settlement-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgRepo
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgRepo: pgRepo{q: pool}, pool: pool}
}

// WithinTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// the ForUpdate methods are held until commit or rollback.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgRepo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapErr(err))
	}
	committed = true
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgRepo)(nil)
)

// pgRepo implements Tx over a querier. Outside a transaction the ForUpdate
// methods degrade to plain reads.
type pgRepo struct {
	q querier
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// num parses a NUMERIC value read back as TEXT.
func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Users ---

func (r *pgRepo) CreateUser(ctx context.Context, u *model.User) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO users (id, tier, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.Tier, u.CreatedAt)
	return mapErr(err)
}

func (r *pgRepo) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.q.QueryRow(ctx,
		`SELECT id, tier, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Tier, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (r *pgRepo) UpdateUserTier(ctx context.Context, userID, tier string) error {
	tag, err := r.q.Exec(ctx, `UPDATE users SET tier = $2 WHERE id = $1`, userID, tier)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	var s model.UserStats
	var netProfit, staked, volume string
	err := r.q.QueryRow(ctx,
		`SELECT user_id, wins, losses, net_profit::TEXT, current_streak, best_streak,
		        total_staked::TEXT, settled_volume::TEXT
		 FROM user_stats WHERE user_id = $1`, userID).
		Scan(&s.UserID, &s.Wins, &s.Losses, &netProfit, &s.CurrentStreak, &s.BestStreak,
			&staked, &volume)
	if err != nil {
		return nil, mapErr(err)
	}
	s.NetProfit = num(netProfit)
	s.TotalStaked = num(staked)
	s.SettledVolume = num(volume)
	return &s, nil
}

func (r *pgRepo) SaveUserStats(ctx context.Context, s *model.UserStats) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO user_stats (user_id, wins, losses, net_profit, current_streak, best_streak, total_staked, settled_volume)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7::NUMERIC, $8::NUMERIC)
		 ON CONFLICT (user_id) DO UPDATE SET
		     wins = EXCLUDED.wins,
		     losses = EXCLUDED.losses,
		     net_profit = EXCLUDED.net_profit,
		     current_streak = EXCLUDED.current_streak,
		     best_streak = EXCLUDED.best_streak,
		     total_staked = EXCLUDED.total_staked,
		     settled_volume = EXCLUDED.settled_volume`,
		s.UserID, s.Wins, s.Losses, s.NetProfit.String(), s.CurrentStreak, s.BestStreak,
		s.TotalStaked.String(), s.SettledVolume.String())
	return mapErr(err)
}

// --- Wallets ---

const walletCols = `id, user_id, total_balance::TEXT, available_balance::TEXT, locked_balance::TEXT, updated_at`

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var total, avail, locked string
	if err := row.Scan(&w.ID, &w.UserID, &total, &avail, &locked, &w.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	w.TotalBalance = num(total)
	w.AvailableBalance = num(avail)
	w.LockedBalance = num(locked)
	return &w, nil
}

func (r *pgRepo) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO wallets (id, user_id, total_balance, available_balance, locked_balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		w.ID, w.UserID, w.TotalBalance.String(), w.AvailableBalance.String(), w.LockedBalance.String(), w.UpdatedAt)
	return mapErr(err)
}

func (r *pgRepo) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	return scanWallet(r.q.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE id = $1`, id))
}

func (r *pgRepo) GetWalletForUpdate(ctx context.Context, id string) (*model.Wallet, error) {
	return scanWallet(r.q.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
}

func (r *pgRepo) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	return scanWallet(r.q.QueryRow(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID))
}

func (r *pgRepo) ListWallets(ctx context.Context) ([]model.Wallet, error) {
	rows, err := r.q.Query(ctx, `SELECT `+walletCols+` FROM wallets ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (r *pgRepo) SaveWallet(ctx context.Context, w *model.Wallet) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE wallets
		 SET total_balance = $2::NUMERIC, available_balance = $3::NUMERIC, locked_balance = $4::NUMERIC, updated_at = $5
		 WHERE id = $1`,
		w.ID, w.TotalBalance.String(), w.AvailableBalance.String(), w.LockedBalance.String(), w.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCurrencyBalance(row rowScanner) (*model.CurrencyBalance, error) {
	var c model.CurrencyBalance
	var bal, locked string
	if err := row.Scan(&c.WalletID, &c.Symbol, &bal, &locked); err != nil {
		return nil, mapErr(err)
	}
	c.Balance = num(bal)
	c.LockedBalance = num(locked)
	return &c, nil
}

func (r *pgRepo) ListCurrencyBalances(ctx context.Context, walletID string) ([]model.CurrencyBalance, error) {
	rows, err := r.q.Query(ctx,
		`SELECT wallet_id, symbol, balance::TEXT, locked_balance::TEXT
		 FROM currency_balances WHERE wallet_id = $1 ORDER BY symbol`, walletID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.CurrencyBalance
	for rows.Next() {
		c, err := scanCurrencyBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *pgRepo) GetCurrencyBalanceForUpdate(ctx context.Context, walletID, symbol string) (*model.CurrencyBalance, error) {
	return scanCurrencyBalance(r.q.QueryRow(ctx,
		`SELECT wallet_id, symbol, balance::TEXT, locked_balance::TEXT
		 FROM currency_balances WHERE wallet_id = $1 AND symbol = $2 FOR UPDATE`, walletID, symbol))
}

func (r *pgRepo) SaveCurrencyBalance(ctx context.Context, c *model.CurrencyBalance) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO currency_balances (wallet_id, symbol, balance, locked_balance)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (wallet_id, symbol) DO UPDATE SET
		     balance = EXCLUDED.balance,
		     locked_balance = EXCLUDED.locked_balance`,
		c.WalletID, c.Symbol, c.Balance.String(), c.LockedBalance.String())
	return mapErr(err)
}

// --- Immutable ledger ---

const entryCols = `id, user_id, wallet_id, type, amount::TEXT, net_amount::TEXT, fee::TEXT, currency, status,
	source_ref, reference_id, destination, description, created_at, updated_at`

func scanEntry(row rowScanner) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var amount, net, fee string
	if err := row.Scan(&e.ID, &e.UserID, &e.WalletID, &e.Type, &amount, &net, &fee, &e.Currency, &e.Status,
		&e.SourceRef, &e.ReferenceID, &e.Destination, &e.Description, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	e.Amount = num(amount)
	e.NetAmount = num(net)
	e.Fee = num(fee)
	return &e, nil
}

func (r *pgRepo) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, wallet_id, type, amount, net_amount, fee, currency, status,
		                             source_ref, reference_id, destination, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (source_ref) WHERE status = 'COMPLETED' AND source_ref <> '' DO NOTHING`,
		e.ID, e.UserID, e.WalletID, e.Type, e.Amount.String(), e.NetAmount.String(), e.Fee.String(),
		e.Currency, e.Status, e.SourceRef, e.ReferenceID, e.Destination, e.Description, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	// A swallowed conflict keeps the transaction usable for the replay read.
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *pgRepo) FindCompletedEntryBySourceRef(ctx context.Context, sourceRef string) (*model.LedgerEntry, error) {
	if sourceRef == "" {
		return nil, ErrNotFound
	}
	return scanEntry(r.q.QueryRow(ctx,
		`SELECT `+entryCols+` FROM ledger_entries WHERE source_ref = $1 AND status = 'COMPLETED'`, sourceRef))
}

func (r *pgRepo) GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE id = $1`, id))
}

func (r *pgRepo) GetLedgerEntryForUpdate(ctx context.Context, id string) (*model.LedgerEntry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, id))
}

func (r *pgRepo) UpdateLedgerEntryStatus(ctx context.Context, id string, status model.EntryStatus, at time.Time) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE ledger_entries SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) ListLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+entryCols+` FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Markets ---

func (r *pgRepo) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO markets (id, title, currency, status, resolved_outcome_id, platform_fee_percent, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		m.ID, m.Title, m.Currency, m.Status, m.ResolvedOutcomeID, m.PlatformFeePercent.String(), m.CreatedAt, m.ResolvedAt)
	if err != nil {
		return mapErr(err)
	}
	for i, o := range m.Outcomes {
		_, err := r.q.Exec(ctx,
			`INSERT INTO outcomes (id, market_id, name, odds, implied_probability, position)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
			o.ID, m.ID, o.Name, o.Odds.String(), o.ImpliedProbability.String(), i)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r *pgRepo) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return r.getMarket(ctx, id, "")
}

func (r *pgRepo) GetMarketForShare(ctx context.Context, id string) (*model.Market, error) {
	return r.getMarket(ctx, id, " FOR SHARE")
}

func (r *pgRepo) getMarket(ctx context.Context, id, lock string) (*model.Market, error) {
	var m model.Market
	var fee string
	err := r.q.QueryRow(ctx,
		`SELECT id, title, currency, status, resolved_outcome_id, platform_fee_percent::TEXT, created_at, resolved_at
		 FROM markets WHERE id = $1`+lock, id).
		Scan(&m.ID, &m.Title, &m.Currency, &m.Status, &m.ResolvedOutcomeID, &fee, &m.CreatedAt, &m.ResolvedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	m.PlatformFeePercent = num(fee)

	rows, err := r.q.Query(ctx,
		`SELECT id, market_id, name, odds::TEXT, implied_probability::TEXT
		 FROM outcomes WHERE market_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	for rows.Next() {
		var o model.Outcome
		var odds, implied string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &odds, &implied); err != nil {
			return nil, err
		}
		o.Odds = num(odds)
		o.ImpliedProbability = num(implied)
		m.Outcomes = append(m.Outcomes, o)
	}
	return &m, rows.Err()
}

func (r *pgRepo) TransitionMarket(ctx context.Context, id string, from []model.MarketStatus, to model.MarketStatus) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE markets SET status = $2 WHERE id = $1 AND status = ANY($3)`, id, to, states)
	if err != nil {
		return false, mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return false, r.marketExists(ctx, id)
	}
	return true, nil
}

func (r *pgRepo) SettleMarket(ctx context.Context, id, outcomeID string, at time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx,
		`UPDATE markets SET status = 'SETTLED', resolved_outcome_id = $2, resolved_at = $3
		 WHERE id = $1 AND status IN ('OPEN', 'CLOSED')`, id, outcomeID, at)
	if err != nil {
		return false, mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return false, r.marketExists(ctx, id)
	}
	return true, nil
}

func (r *pgRepo) marketExists(ctx context.Context, id string) error {
	var one int
	return mapErr(r.q.QueryRow(ctx, `SELECT 1 FROM markets WHERE id = $1`, id).Scan(&one))
}

func (r *pgRepo) ListSettledMarketsWithPending(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx,
		`SELECT DISTINCT m.id FROM markets m
		 JOIN predictions p ON p.market_id = m.id
		 WHERE m.status = 'SETTLED' AND p.status = 'PENDING'
		 ORDER BY m.id`)
	if err != nil {
		return nil, mapErr(err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- Predictions ---

const predictionCols = `id, user_id, wallet_id, market_id, outcome_id, amount::TEXT, currency,
	odds_at_prediction::TEXT, fee::TEXT, status, actual_payout::TEXT, created_at, settled_at`

func scanPrediction(row rowScanner) (*model.Prediction, error) {
	var p model.Prediction
	var amount, odds, fee, payout string
	if err := row.Scan(&p.ID, &p.UserID, &p.WalletID, &p.MarketID, &p.OutcomeID, &amount, &p.Currency,
		&odds, &fee, &p.Status, &payout, &p.CreatedAt, &p.SettledAt); err != nil {
		return nil, mapErr(err)
	}
	p.Amount = num(amount)
	p.OddsAtPrediction = num(odds)
	p.Fee = num(fee)
	p.ActualPayout = num(payout)
	return &p, nil
}

func (r *pgRepo) InsertPrediction(ctx context.Context, p *model.Prediction) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO predictions (id, user_id, wallet_id, market_id, outcome_id, amount, currency,
		                          odds_at_prediction, fee, status, actual_payout, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10, $11::NUMERIC, $12, $13)`,
		p.ID, p.UserID, p.WalletID, p.MarketID, p.OutcomeID, p.Amount.String(), p.Currency,
		p.OddsAtPrediction.String(), p.Fee.String(), p.Status, p.ActualPayout.String(), p.CreatedAt, p.SettledAt)
	return mapErr(err)
}

func (r *pgRepo) GetPrediction(ctx context.Context, id string) (*model.Prediction, error) {
	return scanPrediction(r.q.QueryRow(ctx, `SELECT `+predictionCols+` FROM predictions WHERE id = $1`, id))
}

func (r *pgRepo) GetPredictionForUpdate(ctx context.Context, id string) (*model.Prediction, error) {
	return scanPrediction(r.q.QueryRow(ctx, `SELECT `+predictionCols+` FROM predictions WHERE id = $1 FOR UPDATE`, id))
}

func (r *pgRepo) SavePrediction(ctx context.Context, p *model.Prediction) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE predictions SET status = $2, actual_payout = $3::NUMERIC, settled_at = $4 WHERE id = $1`,
		p.ID, p.Status, p.ActualPayout.String(), p.SettledAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) ListPredictionsByMarket(ctx context.Context, marketID string) ([]model.Prediction, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+predictionCols+` FROM predictions WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *pgRepo) ListPendingPredictionIDs(ctx context.Context, marketID string) ([]string, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id FROM predictions WHERE market_id = $1 AND status = 'PENDING' ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, mapErr(err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *pgRepo) SumOpenStake(ctx context.Context, userID string) (decimal.Decimal, error) {
	var total string
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM predictions WHERE user_id = $1 AND status = 'PENDING'`,
		userID).Scan(&total)
	if err != nil {
		return decimal.Zero, mapErr(err)
	}
	return num(total), nil
}

// --- Referrals ---

func (r *pgRepo) CreateReferral(ctx context.Context, ref *model.Referral) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO referrals (id, referrer_id, referee_id, level, created_at) VALUES ($1, $2, $3, $4, $5)`,
		ref.ID, ref.ReferrerID, ref.RefereeID, ref.Level, ref.CreatedAt)
	return mapErr(err)
}

func (r *pgRepo) ListUpline(ctx context.Context, userID string) ([]model.Referral, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, referrer_id, referee_id, level, created_at
		 FROM referrals WHERE referee_id = $1 ORDER BY level`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Referral
	for rows.Next() {
		var ref model.Referral
		if err := rows.Scan(&ref.ID, &ref.ReferrerID, &ref.RefereeID, &ref.Level, &ref.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *pgRepo) ReferralRewardExists(ctx context.Context, predictionID, referralID string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM referral_rewards WHERE prediction_id = $1 AND referral_id = $2)`,
		predictionID, referralID).Scan(&exists)
	return exists, mapErr(err)
}

func (r *pgRepo) InsertReferralReward(ctx context.Context, rw *model.ReferralReward) error {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO referral_rewards (id, referral_id, prediction_id, referrer_id, referee_id, level,
		                               amount, currency, ledger_entry_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)
		 ON CONFLICT (prediction_id, referral_id) DO NOTHING`,
		rw.ID, rw.ReferralID, rw.PredictionID, rw.ReferrerID, rw.RefereeID, rw.Level,
		rw.Amount.String(), rw.Currency, rw.LedgerEntryID, rw.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *pgRepo) ListReferralRewards(ctx context.Context, predictionID string) ([]model.ReferralReward, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, referral_id, prediction_id, referrer_id, referee_id, level, amount::TEXT, currency,
		        ledger_entry_id, created_at
		 FROM referral_rewards WHERE prediction_id = $1 ORDER BY level`, predictionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.ReferralReward
	for rows.Next() {
		var rw model.ReferralReward
		var amount string
		if err := rows.Scan(&rw.ID, &rw.ReferralID, &rw.PredictionID, &rw.ReferrerID, &rw.RefereeID, &rw.Level,
			&amount, &rw.Currency, &rw.LedgerEntryID, &rw.CreatedAt); err != nil {
			return nil, err
		}
		rw.Amount = num(amount)
		out = append(out, rw)
	}
	return out, rows.Err()
}

// --- Deposit bindings ---

func (r *pgRepo) BindDepositAddress(ctx context.Context, a *model.DepositAddress) error {
	tag, err := r.q.Exec(ctx,
		`INSERT INTO deposit_addresses (network, address, user_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (network, address) DO NOTHING`,
		a.Network, a.Address, a.UserID, a.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	existing, err := r.GetDepositAddress(ctx, a.Network, a.Address)
	if err != nil {
		return err
	}
	if existing.UserID != a.UserID {
		return ErrConflict
	}
	return nil
}

func (r *pgRepo) GetDepositAddress(ctx context.Context, network, address string) (*model.DepositAddress, error) {
	var a model.DepositAddress
	err := r.q.QueryRow(ctx,
		`SELECT network, address, user_id, created_at FROM deposit_addresses WHERE network = $1 AND address = $2`,
		network, address).Scan(&a.Network, &a.Address, &a.UserID, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (r *pgRepo) CreatePaymentSession(ctx context.Context, s *model.PaymentSession) error {
	_, err := r.q.Exec(ctx,
		`INSERT INTO payment_sessions (session_id, user_id, currency, created_at) VALUES ($1, $2, $3, $4)`,
		s.SessionID, s.UserID, s.Currency, s.CreatedAt)
	return mapErr(err)
}

func (r *pgRepo) GetPaymentSession(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	var s model.PaymentSession
	err := r.q.QueryRow(ctx,
		`SELECT session_id, user_id, currency, created_at FROM payment_sessions WHERE session_id = $1`,
		sessionID).Scan(&s.SessionID, &s.UserID, &s.Currency, &s.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}
