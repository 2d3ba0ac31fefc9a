package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const memberColumns = `id, username, email, user_type, COALESCE(referred_by, ''),
	direct_referral_count, total_downline_count,
	wallet_balance::TEXT, lifetime_rebate_income::TEXT, lifetime_affiliate_income::TEXT,
	trading_volume::TEXT, unlocked_levels,
	direct_agents, direct_traders, cumulative_balance::TEXT, downline_volume::TEXT,
	COALESCE(broker_access_token, ''), COALESCE(broker_refresh_token, ''), last_fee_sync,
	created_at`

func (s *PostgresStore) CreateMember(ctx context.Context, m *model.Member) error {
	var referredBy *string
	if m.ReferredBy != "" {
		referredBy = &m.ReferredBy
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO members (id, username, email, user_type, referred_by,
		     direct_referral_count, total_downline_count,
		     wallet_balance, lifetime_rebate_income, lifetime_affiliate_income,
		     trading_volume, unlocked_levels, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		     $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		m.ID, m.Username, m.Email, m.UserType, referredBy,
		m.DirectReferralCount, m.TotalDownlineCount,
		m.WalletBalance.String(), m.LifetimeRebateIncome.String(), m.LifetimeAffiliateIncome.String(),
		m.TradingVolume.String(), intsToInt32(m.UnlockedLevels), m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMember
		}
		return fmt.Errorf("create member %s: %w", m.Username, err)
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, id string) (*model.Member, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member %s: %w", id, err)
	}

	if err := s.loadDownline(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) GetMemberByUsername(ctx context.Context, username string) (*model.Member, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE username = $1`, username)
	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member by username %s: %w", username, err)
	}

	if err := s.loadDownline(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context) ([]model.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM members ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMembers(rows)
}

func (s *PostgresStore) ListLinkedTraders(ctx context.Context) ([]model.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM members
		 WHERE broker_access_token IS NOT NULL AND broker_access_token <> ''
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMembers(rows)
}

// AppendDownlineEntry inserts the descendant record and bumps the
// ancestor's counters in one transaction. The ON CONFLICT guard makes the
// membership check and the insert a single atomic step.
func (s *PostgresStore) AppendDownlineEntry(ctx context.Context, ancestorID string, entry model.DownlineEntry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO downline_entries (ancestor_id, member_id, level, added_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (ancestor_id, member_id) DO NOTHING`,
		ancestorID, entry.MemberID, entry.Level, entry.AddedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append downline entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	directBump := 0
	if entry.Level == 1 {
		directBump = 1
	}
	tag, err = tx.Exec(ctx,
		`UPDATE members
		 SET total_downline_count = total_downline_count + 1,
		     direct_referral_count = direct_referral_count + $2
		 WHERE id = $1`,
		ancestorID, directBump,
	)
	if err != nil {
		return false, fmt.Errorf("bump downline counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrMemberNotFound
	}

	return true, tx.Commit(ctx)
}

func (s *PostgresStore) UpdateDownlineStats(ctx context.Context, memberID string, stats model.DownlineStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE members
		 SET direct_agents = $2, direct_traders = $3,
		     cumulative_balance = $4::NUMERIC, downline_volume = $5::NUMERIC
		 WHERE id = $1`,
		memberID, stats.DirectAgents, stats.DirectTraders,
		stats.CumulativeBalance.String(), stats.DownlineVolume.String(),
	)
	if err != nil {
		return fmt.Errorf("update downline stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *PostgresStore) SetUnlockedLevels(ctx context.Context, memberID string, levels []int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE members SET unlocked_levels = $2 WHERE id = $1`,
		memberID, intsToInt32(levels),
	)
	if err != nil {
		return fmt.Errorf("set unlocked levels: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *PostgresStore) SetBrokerSession(ctx context.Context, memberID string, session *model.BrokerSession) error {
	var access, refresh *string
	var lastSync *time.Time
	if session != nil {
		access, refresh = &session.AccessToken, &session.RefreshToken
		lastSync = session.LastFeeSync
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE members
		 SET broker_access_token = $2, broker_refresh_token = $3, last_fee_sync = $4
		 WHERE id = $1`,
		memberID, access, refresh, lastSync,
	)
	if err != nil {
		return fmt.Errorf("set broker session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *PostgresStore) SetLastFeeSync(ctx context.Context, memberID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE members SET last_fee_sync = $2 WHERE id = $1`,
		memberID, at,
	)
	if err != nil {
		return fmt.Errorf("set last fee sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// PostLedgerEntry writes the entry and applies the balance increment in a
// single transaction, so a crash never leaves the ledger and the balance
// disagreeing.
func (s *PostgresStore) PostLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, owner_id, owner_type, direction, category, amount, note, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		entry.ID, entry.OwnerID, entry.OwnerType, entry.Direction, entry.Category,
		entry.Amount.String(), entry.Note, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	signed := entry.Signed().String()

	if entry.OwnerType == model.OwnerSystem {
		_, err = tx.Exec(ctx,
			`INSERT INTO system_account (id, balance, created_at)
			 VALUES ($1, $2::NUMERIC, now())
			 ON CONFLICT (id) DO UPDATE SET balance = system_account.balance + $2::NUMERIC`,
			model.SystemAccountID, signed,
		)
		if err != nil {
			return fmt.Errorf("apply system balance: %w", err)
		}
		return tx.Commit(ctx)
	}

	rebate, affiliate := "0", "0"
	if entry.Direction == model.DirectionIncome {
		switch entry.Category {
		case model.CategoryTraderFeeShare:
			rebate = entry.Amount.String()
		case model.CategoryUplineShare:
			affiliate = entry.Amount.String()
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE members
		 SET wallet_balance = wallet_balance + $2::NUMERIC,
		     lifetime_rebate_income = lifetime_rebate_income + $3::NUMERIC,
		     lifetime_affiliate_income = lifetime_affiliate_income + $4::NUMERIC
		 WHERE id = $1`,
		entry.OwnerID, signed, rebate, affiliate,
	)
	if err != nil {
		return fmt.Errorf("apply member balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, ownerID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, owner_type, direction, category,
		        amount::TEXT, note, timestamp
		 FROM ledger_entries WHERE owner_id = $1 ORDER BY timestamp`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.OwnerType, &e.Direction, &e.Category,
			&amountS, &e.Note, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetConfig(ctx context.Context) (*model.DistributionConfig, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM distribution_config WHERE id = 1`).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		cfg := DefaultConfig()
		if err := s.SaveConfig(ctx, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}

	var cfg model.DistributionConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (s *PostgresStore) SaveConfig(ctx context.Context, cfg *model.DistributionConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO distribution_config (id, doc, updated_at)
		 VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = $1, updated_at = $2`,
		doc, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

func (s *PostgresStore) SystemAccount(ctx context.Context) (*model.SystemAccount, error) {
	var acct model.SystemAccount
	var balanceS string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO system_account (id, balance, created_at)
		 VALUES ($1, 0, now())
		 ON CONFLICT (id) DO UPDATE SET id = system_account.id
		 RETURNING id, balance::TEXT, created_at`,
		model.SystemAccountID).
		Scan(&acct.ID, &balanceS, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("system account: %w", err)
	}
	acct.Balance, _ = decimal.NewFromString(balanceS)
	return &acct, nil
}

// --- helpers ---

func (s *PostgresStore) loadDownline(ctx context.Context, m *model.Member) error {
	rows, err := s.pool.Query(ctx,
		`SELECT member_id, level, added_at
		 FROM downline_entries WHERE ancestor_id = $1 ORDER BY added_at`, m.ID)
	if err != nil {
		return fmt.Errorf("load downline for %s: %w", m.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.DownlineEntry
		if err := rows.Scan(&e.MemberID, &e.Level, &e.AddedAt); err != nil {
			return err
		}
		m.DownlineEntries = append(m.DownlineEntries, e)
	}
	return rows.Err()
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanMember(row pgxRow) (*model.Member, error) {
	var m model.Member
	var walletS, rebateS, affiliateS, volumeS, cumBalS, downVolS string
	var levels []int32
	var accessToken, refreshToken string
	var lastSync *time.Time

	err := row.Scan(&m.ID, &m.Username, &m.Email, &m.UserType, &m.ReferredBy,
		&m.DirectReferralCount, &m.TotalDownlineCount,
		&walletS, &rebateS, &affiliateS, &volumeS, &levels,
		&m.Stats.DirectAgents, &m.Stats.DirectTraders, &cumBalS, &downVolS,
		&accessToken, &refreshToken, &lastSync,
		&m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.WalletBalance, _ = decimal.NewFromString(walletS)
	m.LifetimeRebateIncome, _ = decimal.NewFromString(rebateS)
	m.LifetimeAffiliateIncome, _ = decimal.NewFromString(affiliateS)
	m.TradingVolume, _ = decimal.NewFromString(volumeS)
	m.Stats.CumulativeBalance, _ = decimal.NewFromString(cumBalS)
	m.Stats.DownlineVolume, _ = decimal.NewFromString(downVolS)
	m.UnlockedLevels = int32ToInts(levels)

	if accessToken != "" || refreshToken != "" || lastSync != nil {
		m.Broker = &model.BrokerSession{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			LastFeeSync:  lastSync,
		}
	}
	return &m, nil
}

func scanMembers(rows pgx.Rows) ([]model.Member, error) {
	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func intsToInt32(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func int32ToInts(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
