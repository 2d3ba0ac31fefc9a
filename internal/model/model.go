// Package model defines the core domain types shared across the referral engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry directions.
const (
	DirectionIncome  = "income"
	DirectionExpense = "expense"
)

// Ledger entry categories.
const (
	CategoryTraderFeeShare   = "trader-fee-share"
	CategoryUplineShare      = "upline-share"
	CategorySystemCommission = "system-commission"
	CategoryDeposit          = "deposit"
	CategoryWithdrawal       = "withdrawal"
	CategoryTransfer         = "transfer"
)

// Ledger owner types. The system account is a first-class recipient,
// not an ordinary member.
const (
	OwnerMember = "member"
	OwnerSystem = "system"
)

// SystemAccountID is the fixed owner id of the platform's revenue account.
const SystemAccountID = "system"

// Member user types.
const (
	UserTypeAgent  = "agent"
	UserTypeTrader = "trader"
)

// LedgerEntry is an immutable record of a balance-affecting fact.
// Once created, these are never modified or deleted; corrections are
// new offsetting entries.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	OwnerID   string          `json:"owner_id" db:"owner_id"`
	OwnerType string          `json:"owner_type" db:"owner_type"` // "member" or "system"
	Direction string          `json:"direction" db:"direction"`   // "income" or "expense"
	Category  string          `json:"category" db:"category"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // positive magnitude
	Note      string          `json:"note" db:"note"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Signed returns the entry amount with its direction applied:
// positive for income, negative for expense.
func (e *LedgerEntry) Signed() decimal.Decimal {
	if e.Direction == DirectionExpense {
		return e.Amount.Neg()
	}
	return e.Amount
}

// DownlineEntry is one flattened descendant record on a member.
// Level is the distance from the owning member (1 = direct referral).
type DownlineEntry struct {
	MemberID string    `json:"member_id" db:"member_id"`
	Level    int       `json:"level" db:"level"`
	AddedAt  time.Time `json:"added_at" db:"added_at"`
}

// DownlineStats holds the downline-derived aggregates recomputed by the
// stats aggregator. Derived data, safe to rebuild at any time.
type DownlineStats struct {
	DirectAgents      int             `json:"direct_agents"`
	DirectTraders     int             `json:"direct_traders"`
	CumulativeBalance decimal.Decimal `json:"cumulative_balance"` // self + all downline
	DownlineVolume    decimal.Decimal `json:"downline_volume"`
}

// BrokerSession links a member to their external broker account.
// A member is an eligible trader when AccessToken is non-empty.
type BrokerSession struct {
	AccessToken  string     `json:"-" db:"access_token"`
	RefreshToken string     `json:"-" db:"refresh_token"`
	LastFeeSync  *time.Time `json:"last_fee_sync,omitempty" db:"last_fee_sync"`
}

// Member is a participant in the referral network.
//
// WalletBalance must equal the signed sum of the member's ledger entries
// at all times; the wallet ledger is the only writer. DownlineEntries is
// append-only and unique by member id. UnlockedLevels always contains 1
// and never loses a level once unlocked.
type Member struct {
	ID       string `json:"id" db:"id"`
	Username string `json:"username" db:"username"`
	Email    string `json:"email" db:"email"`
	UserType string `json:"user_type" db:"user_type"` // "agent" or "trader"

	ReferredBy          string          `json:"referred_by,omitempty" db:"referred_by"` // sponsor id, empty for roots
	DownlineEntries     []DownlineEntry `json:"downline_entries"`
	DirectReferralCount int             `json:"direct_referral_count" db:"direct_referral_count"`
	TotalDownlineCount  int             `json:"total_downline_count" db:"total_downline_count"`

	WalletBalance           decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	LifetimeRebateIncome    decimal.Decimal `json:"lifetime_rebate_income" db:"lifetime_rebate_income"`
	LifetimeAffiliateIncome decimal.Decimal `json:"lifetime_affiliate_income" db:"lifetime_affiliate_income"`
	TradingVolume           decimal.Decimal `json:"trading_volume" db:"trading_volume"`

	UnlockedLevels []int         `json:"unlocked_levels"`
	Stats          DownlineStats `json:"stats"`

	Broker *BrokerSession `json:"broker,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HasLevel reports whether the member has unlocked the given upline level.
// Level 1 is always unlocked.
func (m *Member) HasLevel(level int) bool {
	if level == 1 {
		return true
	}
	for _, l := range m.UnlockedLevels {
		if l == level {
			return true
		}
	}
	return false
}

// BrokerLinked reports whether the member holds an active broker session.
func (m *Member) BrokerLinked() bool {
	return m.Broker != nil && m.Broker.AccessToken != ""
}

// SystemAccount is the platform's own revenue recipient. It carries its
// own ledger history, decoupled from configuration state.
type SystemAccount struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// UplineLevel is one row of the configured upline payout table.
type UplineLevel struct {
	Level      int             `json:"level"`
	Percentage decimal.Decimal `json:"percentage"` // 0-100
}

// MilestoneLevel defines the cumulative-income threshold that unlocks one
// upline payout level for a member.
type MilestoneLevel struct {
	Level          int             `json:"level"`
	RequiredIncome decimal.Decimal `json:"required_income"`
	Description    string          `json:"description"`
}

// Milestones gates upline levels behind lifetime rebate income thresholds.
type Milestones struct {
	Enabled bool             `json:"enabled"`
	Levels  []MilestoneLevel `json:"levels"`
}

// DistributionConfig is the deployment-wide percentage table. Singleton.
//
// Invariant: SystemPercentage + TraderPercentage + Σ(UplineDistribution
// percentages) must not exceed 100. Updates violating this are rejected
// before persistence. Changes apply only to subsequent distribution runs.
type DistributionConfig struct {
	SystemPercentage   decimal.Decimal `json:"system_percentage"`
	TraderPercentage   decimal.Decimal `json:"trader_percentage"`
	UplineDistribution []UplineLevel   `json:"upline_distribution"` // sorted ascending by level
	Milestones         Milestones      `json:"milestones"`
	MaxUplineLevels    int             `json:"max_upline_levels"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// LevelPercentage returns the configured percentage for a level, or zero
// if the level is not configured.
func (c *DistributionConfig) LevelPercentage(level int) decimal.Decimal {
	for _, u := range c.UplineDistribution {
		if u.Level == level {
			return u.Percentage
		}
	}
	return decimal.Zero
}
