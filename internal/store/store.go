// Package store defines the persistence interface for the referral engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
)

var (
	// ErrMemberNotFound is returned when a member id or username does not
	// resolve to an existing member.
	ErrMemberNotFound = errors.New("store: member not found")

	// ErrDuplicateMember is returned when a new member's username or email
	// collides with an existing member.
	ErrDuplicateMember = errors.New("store: username or email already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Member operations ---

	// CreateMember persists a new member. Username and email are unique.
	CreateMember(ctx context.Context, m *model.Member) error

	// GetMember retrieves a member by id.
	GetMember(ctx context.Context, id string) (*model.Member, error)

	// GetMemberByUsername retrieves a member by username.
	GetMemberByUsername(ctx context.Context, username string) (*model.Member, error)

	// ListMembers returns all members.
	ListMembers(ctx context.Context) ([]model.Member, error)

	// ListLinkedTraders returns members holding an active broker session.
	ListLinkedTraders(ctx context.Context) ([]model.Member, error)

	// --- Referral tree ---

	// AppendDownlineEntry appends a descendant record to an ancestor's
	// flattened downline list and bumps the ancestor's counters
	// (direct referral count only when entry.Level == 1). Returns false
	// without modification when the descendant is already present.
	AppendDownlineEntry(ctx context.Context, ancestorID string, entry model.DownlineEntry) (bool, error)

	// UpdateDownlineStats writes recomputed downline aggregates.
	UpdateDownlineStats(ctx context.Context, memberID string, stats model.DownlineStats) error

	// SetUnlockedLevels replaces a member's unlocked level set.
	// Callers must only ever grow the set.
	SetUnlockedLevels(ctx context.Context, memberID string, levels []int) error

	// SetBrokerSession attaches or clears a member's broker session.
	SetBrokerSession(ctx context.Context, memberID string, session *model.BrokerSession) error

	// SetLastFeeSync records the completion time of a fee-sync run.
	SetLastFeeSync(ctx context.Context, memberID string, at time.Time) error

	// --- Immutable ledger ---

	// PostLedgerEntry appends an immutable ledger entry and atomically
	// applies its signed amount to the owner's balance. For member-owned
	// income entries, lifetime rebate/affiliate totals are incremented
	// for the trader-fee-share and upline-share categories respectively.
	// This is the only operation that changes any balance.
	PostLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// LedgerEntries returns all entries for an owner, oldest first.
	LedgerEntries(ctx context.Context, ownerID string) ([]model.LedgerEntry, error)

	// --- Distribution config (singleton) ---

	// GetConfig returns the current configuration, creating the default
	// one on first read.
	GetConfig(ctx context.Context) (*model.DistributionConfig, error)

	// SaveConfig replaces the configuration. Validation happens upstream.
	SaveConfig(ctx context.Context, cfg *model.DistributionConfig) error

	// --- System account ---

	// SystemAccount returns the platform revenue account, creating it on
	// first read.
	SystemAccount(ctx context.Context) (*model.SystemAccount, error)
}

func dec(i int64) decimal.Decimal { return decimal.NewFromInt(i) }

// DefaultConfig is the configuration created on first read when none has
// been persisted yet.
func DefaultConfig() *model.DistributionConfig {
	return &model.DistributionConfig{
		SystemPercentage: dec(40),
		TraderPercentage: dec(25),
		UplineDistribution: []model.UplineLevel{
			{Level: 1, Percentage: dec(20)},
			{Level: 2, Percentage: dec(10)},
			{Level: 3, Percentage: dec(5)},
		},
		Milestones: model.Milestones{
			Enabled: false,
			Levels: []model.MilestoneLevel{
				{Level: 1, RequiredIncome: dec(0), Description: "Direct referral income (always unlocked)"},
				{Level: 2, RequiredIncome: dec(100), Description: "Unlock at 100 lifetime rebate income"},
				{Level: 3, RequiredIncome: dec(500), Description: "Unlock at 500 lifetime rebate income"},
			},
		},
		MaxUplineLevels: 10,
		UpdatedAt:       time.Now().UTC(),
	}
}
