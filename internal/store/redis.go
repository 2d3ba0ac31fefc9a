package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradenet/referral-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMember(ctx context.Context, m *model.Member) error {
	if err := s.primary.CreateMember(ctx, m); err != nil {
		return err
	}
	s.cacheMember(ctx, m)
	return nil
}

func (s *CachedStore) AppendDownlineEntry(ctx context.Context, ancestorID string, entry model.DownlineEntry) (bool, error) {
	added, err := s.primary.AppendDownlineEntry(ctx, ancestorID, entry)
	if err != nil {
		return false, err
	}
	if added {
		// Invalidate; next read re-populates with the new downline list.
		s.rdb.Del(ctx, memberKey(ancestorID))
	}
	return added, nil
}

func (s *CachedStore) UpdateDownlineStats(ctx context.Context, memberID string, stats model.DownlineStats) error {
	if err := s.primary.UpdateDownlineStats(ctx, memberID, stats); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberKey(memberID))
	return nil
}

func (s *CachedStore) SetUnlockedLevels(ctx context.Context, memberID string, levels []int) error {
	if err := s.primary.SetUnlockedLevels(ctx, memberID, levels); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberKey(memberID))
	return nil
}

func (s *CachedStore) SetBrokerSession(ctx context.Context, memberID string, session *model.BrokerSession) error {
	if err := s.primary.SetBrokerSession(ctx, memberID, session); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberKey(memberID))
	return nil
}

func (s *CachedStore) SetLastFeeSync(ctx context.Context, memberID string, at time.Time) error {
	if err := s.primary.SetLastFeeSync(ctx, memberID, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, memberKey(memberID))
	return nil
}

func (s *CachedStore) PostLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.PostLedgerEntry(ctx, entry); err != nil {
		return err
	}
	// The posting changed the owner's balance and ledger history.
	s.rdb.Del(ctx, memberKey(entry.OwnerID), ledgerKey(entry.OwnerID))
	return nil
}

func (s *CachedStore) SaveConfig(ctx context.Context, cfg *model.DistributionConfig) error {
	if err := s.primary.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, configKey())
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMember(ctx context.Context, id string) (*model.Member, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, memberKey(id)).Bytes()
	if err == nil {
		var entry memberCacheEntry
		if json.Unmarshal(data, &entry) == nil && entry.Member != nil {
			return entry.restore(), nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMember(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMemberByUsername(ctx context.Context, username string) (*model.Member, error) {
	// Try cache via username→memberID mapping.
	memberID, err := s.rdb.Get(ctx, usernameKey(username)).Result()
	if err == nil {
		return s.GetMember(ctx, memberID)
	}

	// Cache miss.
	m, err := s.primary.GetMemberByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	// Cache both the member and the username→ID mapping.
	s.cacheMember(ctx, m)
	s.rdb.Set(ctx, usernameKey(username), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) LedgerEntries(ctx context.Context, ownerID string) ([]model.LedgerEntry, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, ledgerKey(ownerID)).Bytes()
	if err == nil {
		var entries []model.LedgerEntry
		if json.Unmarshal(data, &entries) == nil {
			return entries, nil
		}
	}

	// Cache miss.
	entries, err := s.primary.LedgerEntries(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		s.rdb.Set(ctx, ledgerKey(ownerID), data, s.ttl)
	}
	return entries, nil
}

func (s *CachedStore) GetConfig(ctx context.Context) (*model.DistributionConfig, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, configKey()).Bytes()
	if err == nil {
		var cfg model.DistributionConfig
		if json.Unmarshal(data, &cfg) == nil {
			return &cfg, nil
		}
	}

	// Cache miss.
	cfg, err := s.primary.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(cfg); err == nil {
		s.rdb.Set(ctx, configKey(), data, s.ttl)
	}
	return cfg, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMembers(ctx context.Context) ([]model.Member, error) {
	return s.primary.ListMembers(ctx)
}

func (s *CachedStore) ListLinkedTraders(ctx context.Context) ([]model.Member, error) {
	return s.primary.ListLinkedTraders(ctx)
}

func (s *CachedStore) SystemAccount(ctx context.Context) (*model.SystemAccount, error) {
	return s.primary.SystemAccount(ctx)
}

// --- Cache helpers ---

// memberCacheEntry wraps a member for caching. The broker tokens are
// excluded from the member's own JSON so they never leak into API
// responses; the wrapper carries them separately so a cache round-trip
// does not strip the session.
type memberCacheEntry struct {
	Member       *model.Member `json:"member"`
	AccessToken  string        `json:"access_token,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
}

func (e *memberCacheEntry) restore() *model.Member {
	m := e.Member
	if m.Broker != nil {
		m.Broker.AccessToken = e.AccessToken
		m.Broker.RefreshToken = e.RefreshToken
	}
	return m
}

func (s *CachedStore) cacheMember(ctx context.Context, m *model.Member) {
	entry := memberCacheEntry{Member: m}
	if m.Broker != nil {
		entry.AccessToken = m.Broker.AccessToken
		entry.RefreshToken = m.Broker.RefreshToken
	}
	if data, err := json.Marshal(entry); err == nil {
		s.rdb.Set(ctx, memberKey(m.ID), data, s.ttl)
	}
}

func memberKey(id string) string      { return fmt.Sprintf("member:%s", id) }
func usernameKey(name string) string  { return fmt.Sprintf("username:%s", name) }
func ledgerKey(ownerID string) string { return fmt.Sprintf("ledger:%s", ownerID) }
func configKey() string               { return "config:distribution" }
