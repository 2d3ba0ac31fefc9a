package referral

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

// StatsAggregator recomputes the denormalized team figures each member
// carries. The figures are derived views over the downline lists and the
// wallet balances; recomputing from scratch also repairs any drift left
// by an aborted propagation.
type StatsAggregator struct {
	store store.Store
}

// NewStatsAggregator creates an aggregator over the given store.
func NewStatsAggregator(st store.Store) *StatsAggregator {
	return &StatsAggregator{store: st}
}

// Recompute rebuilds DownlineStats for a single member.
func (a *StatsAggregator) Recompute(ctx context.Context, memberID string) (*model.DownlineStats, error) {
	member, err := a.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	// Cumulative balance covers the member's own wallet plus every downline
	// member's wallet.
	stats := model.DownlineStats{
		CumulativeBalance: member.WalletBalance,
		DownlineVolume:    decimal.Zero,
	}

	for _, entry := range member.DownlineEntries {
		descendant, err := a.store.GetMember(ctx, entry.MemberID)
		if err != nil {
			// A missing descendant is skipped, not fatal: the list is a
			// denormalized view and may lag deletions.
			slog.Warn("downline member missing during recompute",
				"member_id", memberID,
				"descendant_id", entry.MemberID,
			)
			continue
		}

		if entry.Level == 1 {
			switch descendant.UserType {
			case model.UserTypeAgent:
				stats.DirectAgents++
			case model.UserTypeTrader:
				stats.DirectTraders++
			}
		}
		stats.CumulativeBalance = stats.CumulativeBalance.Add(descendant.WalletBalance)
		stats.DownlineVolume = stats.DownlineVolume.Add(descendant.TradingVolume)
	}

	if err := a.store.UpdateDownlineStats(ctx, memberID, stats); err != nil {
		return nil, fmt.Errorf("store stats for %s: %w", memberID, err)
	}
	return &stats, nil
}

// RecomputeAll refreshes every member's stats. Failures on individual
// members are logged and skipped so one bad record cannot block the rest.
func (a *StatsAggregator) RecomputeAll(ctx context.Context) error {
	members, err := a.store.ListMembers(ctx)
	if err != nil {
		return err
	}
	for _, m := range members {
		if _, err := a.Recompute(ctx, m.ID); err != nil {
			slog.Error("stats recompute failed", "member_id", m.ID, "error", err)
		}
	}
	return nil
}
