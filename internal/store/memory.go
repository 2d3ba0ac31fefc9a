package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	members    map[string]*model.Member
	byUsername map[string]string // username -> id
	ledger     []model.LedgerEntry
	config     *model.DistributionConfig
	system     *model.SystemAccount
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		members:    make(map[string]*model.Member),
		byUsername: make(map[string]string),
	}
}

func (s *MemoryStore) CreateMember(_ context.Context, m *model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.members {
		if existing.Username == m.Username {
			return ErrDuplicateMember
		}
		if m.Email != "" && existing.Email == m.Email {
			return ErrDuplicateMember
		}
	}

	// Store a copy to avoid external mutation.
	cp := cloneMember(m)
	s.members[m.ID] = cp
	s.byUsername[m.Username] = m.ID
	return nil
}

func (s *MemoryStore) GetMember(_ context.Context, id string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return cloneMember(m), nil
}

func (s *MemoryStore) GetMemberByUsername(_ context.Context, username string) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return nil, ErrMemberNotFound
	}
	return cloneMember(s.members[id]), nil
}

func (s *MemoryStore) ListMembers(_ context.Context) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]model.Member, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, *cloneMember(m))
	}
	return members, nil
}

func (s *MemoryStore) ListLinkedTraders(_ context.Context) ([]model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var traders []model.Member
	for _, m := range s.members {
		if m.BrokerLinked() {
			traders = append(traders, *cloneMember(m))
		}
	}
	return traders, nil
}

func (s *MemoryStore) AppendDownlineEntry(_ context.Context, ancestorID string, entry model.DownlineEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ancestor, ok := s.members[ancestorID]
	if !ok {
		return false, ErrMemberNotFound
	}

	for _, e := range ancestor.DownlineEntries {
		if e.MemberID == entry.MemberID {
			return false, nil
		}
	}

	ancestor.DownlineEntries = append(ancestor.DownlineEntries, entry)
	ancestor.TotalDownlineCount++
	if entry.Level == 1 {
		ancestor.DirectReferralCount++
	}
	return true, nil
}

func (s *MemoryStore) UpdateDownlineStats(_ context.Context, memberID string, stats model.DownlineStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		return ErrMemberNotFound
	}
	m.Stats = stats
	return nil
}

func (s *MemoryStore) SetUnlockedLevels(_ context.Context, memberID string, levels []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		return ErrMemberNotFound
	}
	m.UnlockedLevels = append([]int(nil), levels...)
	return nil
}

func (s *MemoryStore) SetBrokerSession(_ context.Context, memberID string, session *model.BrokerSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		return ErrMemberNotFound
	}
	if session == nil {
		m.Broker = nil
		return nil
	}
	cp := *session
	m.Broker = &cp
	return nil
}

func (s *MemoryStore) SetLastFeeSync(_ context.Context, memberID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		return ErrMemberNotFound
	}
	if m.Broker == nil {
		m.Broker = &model.BrokerSession{}
	}
	t := at
	m.Broker.LastFeeSync = &t
	return nil
}

// PostLedgerEntry appends the entry and applies its signed amount to the
// owner under a single lock, so the balance increment is atomic.
func (s *MemoryStore) PostLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	signed := entry.Signed()

	switch entry.OwnerType {
	case model.OwnerSystem:
		s.ensureSystemLocked()
		s.system.Balance = s.system.Balance.Add(signed)
	default:
		m, ok := s.members[entry.OwnerID]
		if !ok {
			return ErrMemberNotFound
		}
		m.WalletBalance = m.WalletBalance.Add(signed)
		if entry.Direction == model.DirectionIncome {
			switch entry.Category {
			case model.CategoryTraderFeeShare:
				m.LifetimeRebateIncome = m.LifetimeRebateIncome.Add(entry.Amount)
			case model.CategoryUplineShare:
				m.LifetimeAffiliateIncome = m.LifetimeAffiliateIncome.Add(entry.Amount)
			}
		}
	}

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, ownerID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.OwnerID == ownerID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetConfig(_ context.Context) (*model.DistributionConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		s.config = DefaultConfig()
	}
	cp := cloneConfig(s.config)
	return cp, nil
}

func (s *MemoryStore) SaveConfig(_ context.Context, cfg *model.DistributionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = cloneConfig(cfg)
	return nil
}

func (s *MemoryStore) SystemAccount(_ context.Context) (*model.SystemAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureSystemLocked()
	cp := *s.system
	return &cp, nil
}

func (s *MemoryStore) ensureSystemLocked() {
	if s.system == nil {
		s.system = &model.SystemAccount{
			ID:        model.SystemAccountID,
			Balance:   decimal.Zero,
			CreatedAt: time.Now().UTC(),
		}
	}
}

func cloneMember(m *model.Member) *model.Member {
	cp := *m
	cp.DownlineEntries = append([]model.DownlineEntry(nil), m.DownlineEntries...)
	cp.UnlockedLevels = append([]int(nil), m.UnlockedLevels...)
	if m.Broker != nil {
		b := *m.Broker
		if m.Broker.LastFeeSync != nil {
			t := *m.Broker.LastFeeSync
			b.LastFeeSync = &t
		}
		cp.Broker = &b
	}
	return &cp
}

func cloneConfig(c *model.DistributionConfig) *model.DistributionConfig {
	cp := *c
	cp.UplineDistribution = append([]model.UplineLevel(nil), c.UplineDistribution...)
	cp.Milestones.Levels = append([]model.MilestoneLevel(nil), c.Milestones.Levels...)
	return &cp
}
