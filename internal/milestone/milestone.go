// Package milestone decides which upline payout levels a member has
// earned. Levels unlock as lifetime rebate income crosses configured
// thresholds and never lock again, even if the thresholds are later
// raised.
package milestone

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/events"
	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

var hundredPct = decimal.NewFromInt(100)

// Tracker evaluates milestone thresholds and keeps each member's unlocked
// set in sync with their lifetime rebate income.
type Tracker struct {
	store store.Store
	hub   *events.Hub // optional, broadcasts unlock events
}

// NewTracker creates a milestone tracker over the given store. Pass nil for
// hub if WebSocket broadcasting is not needed.
func NewTracker(st store.Store, hub *events.Hub) *Tracker {
	return &Tracker{store: st, hub: hub}
}

// EarnedLevels returns the levels a member with the given lifetime rebate
// income qualifies for under the milestone config. Level 1 is always
// included. When milestones are disabled every configured level is open.
func EarnedLevels(cfg model.Milestones, lifetimeRebate decimal.Decimal) []int {
	earned := map[int]bool{1: true}

	for _, lvl := range cfg.Levels {
		if lvl.Level < 1 {
			continue
		}
		if !cfg.Enabled || lifetimeRebate.GreaterThanOrEqual(lvl.RequiredIncome) {
			earned[lvl.Level] = true
		}
	}

	levels := make([]int, 0, len(earned))
	for l := range earned {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}

// Sync recomputes the member's earned levels and merges them into the
// stored set. The merge is a union: a level present in the stored set is
// kept even if the member no longer qualifies for it.
func (t *Tracker) Sync(ctx context.Context, memberID string) ([]int, error) {
	member, err := t.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	cfg, err := t.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	merged := union(member.UnlockedLevels, EarnedLevels(cfg.Milestones, member.LifetimeRebateIncome))
	if equal(merged, member.UnlockedLevels) {
		return member.UnlockedLevels, nil
	}

	if err := t.store.SetUnlockedLevels(ctx, memberID, merged); err != nil {
		return nil, fmt.Errorf("persist unlocked levels for %s: %w", memberID, err)
	}

	slog.Info("milestone levels unlocked",
		"member_id", memberID,
		"levels", merged,
		"lifetime_rebate", member.LifetimeRebateIncome.String(),
	)
	if t.hub != nil {
		t.hub.Broadcast(events.Message{
			Type:           events.TypeMilestoneUnlocked,
			MemberID:       memberID,
			Username:       member.Username,
			UnlockedLevels: merged,
		})
	}
	return merged, nil
}

// LevelProgress is one row of a member's milestone report. Current is the
// lifetime rebate income capped at the milestone requirement; Percentage is
// current over required, 0 to 100.
type LevelProgress struct {
	Level          int    `json:"level"`
	RequiredIncome string `json:"required_income"`
	Description    string `json:"description,omitempty"`
	Current        string `json:"current"`
	Percentage     string `json:"percentage"`
	Unlocked       bool   `json:"unlocked"`
	Remaining      string `json:"remaining"`
}

// NextMilestone points at the lowest milestone the member has not reached.
type NextMilestone struct {
	Level          int    `json:"level"`
	RequiredIncome string `json:"required_income"`
	Remaining      string `json:"remaining"`
}

// ProgressReport is the full milestone report for one member.
type ProgressReport struct {
	LifetimeRebate string          `json:"lifetime_rebate_income"`
	Enabled        bool            `json:"milestones_enabled"`
	Levels         []LevelProgress `json:"levels"`
	Next           *NextMilestone  `json:"next_milestone,omitempty"`
}

// Progress reports each configured milestone against the member's lifetime
// rebate income, plus the next milestone still out of reach.
func (t *Tracker) Progress(ctx context.Context, memberID string) (*ProgressReport, error) {
	member, err := t.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	cfg, err := t.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	unlocked := make(map[int]bool, len(member.UnlockedLevels))
	for _, l := range member.UnlockedLevels {
		unlocked[l] = true
	}
	for _, l := range EarnedLevels(cfg.Milestones, member.LifetimeRebateIncome) {
		unlocked[l] = true
	}

	levels := append([]model.MilestoneLevel(nil), cfg.Milestones.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	report := &ProgressReport{
		LifetimeRebate: member.LifetimeRebateIncome.String(),
		Enabled:        cfg.Milestones.Enabled,
		Levels:         make([]LevelProgress, 0, len(levels)),
	}
	for _, lvl := range levels {
		current := decimal.Min(member.LifetimeRebateIncome, lvl.RequiredIncome)
		pct := hundredPct
		if lvl.RequiredIncome.IsPositive() {
			pct = current.Div(lvl.RequiredIncome).Mul(hundredPct).Round(2)
		}
		remaining := lvl.RequiredIncome.Sub(member.LifetimeRebateIncome)
		if remaining.IsNegative() || unlocked[lvl.Level] {
			remaining = decimal.Zero
		}
		report.Levels = append(report.Levels, LevelProgress{
			Level:          lvl.Level,
			RequiredIncome: lvl.RequiredIncome.String(),
			Description:    lvl.Description,
			Current:        current.String(),
			Percentage:     pct.String(),
			Unlocked:       unlocked[lvl.Level],
			Remaining:      remaining.String(),
		})
		if report.Next == nil && !unlocked[lvl.Level] && remaining.IsPositive() {
			report.Next = &NextMilestone{
				Level:          lvl.Level,
				RequiredIncome: lvl.RequiredIncome.String(),
				Remaining:      remaining.String(),
			}
		}
	}
	return report, nil
}

func union(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	for _, l := range a {
		seen[l] = true
	}
	for _, l := range b {
		seen[l] = true
	}
	out := make([]int, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
