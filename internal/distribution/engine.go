// Package distribution runs the revenue split. For each linked trader it
// pulls the broker's performance fees, splits them between the trader,
// the upline chain, and the system account, and posts the shares through
// the wallet ledger.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradenet/referral-engine/internal/broker"
	"github.com/tradenet/referral-engine/internal/events"
	"github.com/tradenet/referral-engine/internal/metrics"
	"github.com/tradenet/referral-engine/internal/milestone"
	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/referral"
	"github.com/tradenet/referral-engine/internal/store"
	"github.com/tradenet/referral-engine/internal/wallet"
)

// RunState is the lifecycle of one trader's distribution run.
type RunState string

const (
	StateEligible  RunState = "eligible"
	StateFetching  RunState = "fetching"
	StateComputing RunState = "computing"
	StatePosting   RunState = "posting"
	StateDone      RunState = "done"
	StateSkipped   RunState = "skipped"
	StateFailed    RunState = "failed"
)

// Window is how far back fees are pulled on each sync.
const Window = 7 * 24 * time.Hour

// Cadence is the minimum gap between syncs for one trader unless forced.
const Cadence = 24 * time.Hour

var hundred = decimal.NewFromInt(100)

// TraderResult is the outcome of one trader's run.
type TraderResult struct {
	TraderID    string          `json:"trader_id"`
	Username    string          `json:"username"`
	State       RunState        `json:"state"`
	Reason      string          `json:"reason,omitempty"`
	TotalFees   decimal.Decimal `json:"total_fees"`
	Distributed decimal.Decimal `json:"distributed"`
}

// Summary aggregates a batch run.
type Summary struct {
	Success          int             `json:"success"`
	Skipped          int             `json:"skipped"`
	Failed           int             `json:"failed"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	Results          []TraderResult  `json:"results"`
}

// Engine orchestrates distribution runs. One Engine instance serializes
// nothing itself; the store's atomic posting and the per-trader cadence
// check keep concurrent runs from double-paying.
type Engine struct {
	store      store.Store
	ledger     *wallet.Ledger
	graph      *referral.Graph
	milestones *milestone.Tracker
	fees       broker.FeeSource
	clock      clockwork.Clock
	limiter    *rate.Limiter
	strategy   Strategy
	hub        *events.Hub // optional WebSocket hub for real-time broadcasts
}

// NewEngine creates a distribution engine.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewEngine(st store.Store, ledger *wallet.Ledger, graph *referral.Graph, tracker *milestone.Tracker,
	fees broker.FeeSource, clock clockwork.Clock, limiter *rate.Limiter, strategy Strategy, hub *events.Hub) *Engine {
	return &Engine{
		store:      st,
		ledger:     ledger,
		graph:      graph,
		milestones: tracker,
		fees:       fees,
		clock:      clock,
		limiter:    limiter,
		strategy:   strategy,
		hub:        hub,
	}
}

// RunAll syncs every linked trader. A failure on one trader is recorded
// and the batch moves on; the summary reports every outcome.
func (e *Engine) RunAll(ctx context.Context, force bool) (*Summary, error) {
	start := time.Now()
	defer func() {
		metrics.DistributionDuration.Observe(time.Since(start).Seconds())
	}()

	traders, err := e.store.ListLinkedTraders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list linked traders: %w", err)
	}

	summary := &Summary{
		TotalDistributed: decimal.Zero,
		Results:          []TraderResult{},
	}
	for _, trader := range traders {
		res := e.RunOne(ctx, trader.ID, force)
		summary.Results = append(summary.Results, res)
		summary.TotalDistributed = summary.TotalDistributed.Add(res.Distributed)

		switch res.State {
		case StateDone:
			summary.Success++
		case StateSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	slog.Info("distribution batch finished",
		"traders", len(traders),
		"success", summary.Success,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"total_distributed", summary.TotalDistributed.String(),
		"strategy", e.strategy.Name(),
	)
	return summary, nil
}

// RunOne syncs a single trader through the full state machine. The
// returned result carries the terminal state; errors are folded into it
// so a batch caller never aborts on one trader.
func (e *Engine) RunOne(ctx context.Context, traderID string, force bool) TraderResult {
	res := TraderResult{
		TraderID:    traderID,
		State:       StateEligible,
		TotalFees:   decimal.Zero,
		Distributed: decimal.Zero,
	}
	defer func() {
		metrics.DistributionRuns.WithLabelValues(string(res.State)).Inc()
	}()

	trader, err := e.store.GetMember(ctx, traderID)
	if err != nil {
		return e.fail(res, "load trader", err)
	}
	res.Username = trader.Username

	if !trader.BrokerLinked() {
		return e.skip(res, "no broker session")
	}

	now := e.clock.Now().UTC()
	if !force && trader.Broker.LastFeeSync != nil && now.Sub(*trader.Broker.LastFeeSync) < Cadence {
		return e.skip(res, "synced within the last 24h")
	}

	// Fetching.
	res.State = StateFetching
	if err := e.limiter.Wait(ctx); err != nil {
		return e.fail(res, "rate limiter", err)
	}

	records, err := e.fees.FetchFees(ctx, trader.Broker, now.Add(-Window), now)
	if err != nil {
		metrics.BrokerRequestFailures.Inc()
		return e.fail(res, "fetch fees", err)
	}

	totalFees := decimal.Zero
	for _, rec := range records {
		// Only fees charged since the last sync are new; the window
		// overlaps previous runs on purpose so late-arriving records
		// are not lost.
		if trader.Broker.LastFeeSync != nil && !rec.ChargedAt.After(*trader.Broker.LastFeeSync) {
			continue
		}
		totalFees = totalFees.Add(rec.Fee)
	}
	res.TotalFees = totalFees

	if !totalFees.IsPositive() {
		if err := e.store.SetLastFeeSync(ctx, traderID, now); err != nil {
			return e.fail(res, "finalize sync", err)
		}
		res.State = StateDone
		return res
	}

	// Computing.
	res.State = StateComputing
	cfg, err := e.store.GetConfig(ctx)
	if err != nil {
		return e.fail(res, "load config", err)
	}

	plan, err := e.computeShares(ctx, trader, cfg, totalFees)
	if err != nil {
		return e.fail(res, "compute shares", err)
	}

	// Posting. Trader first, then upline by ascending level, then system.
	// There is no rollback: the ledger is append-only and a partial post
	// is repaired by rerunning, which the unchanged lastFeeSync allows.
	res.State = StatePosting

	if plan.traderShare.IsPositive() {
		_, err := e.ledger.Post(ctx, trader.ID, model.OwnerMember,
			model.DirectionIncome, model.CategoryTraderFeeShare,
			plan.traderShare, fmt.Sprintf("fee share, %s fees", totalFees))
		if err != nil {
			return e.fail(res, "post trader share", err)
		}
		res.Distributed = res.Distributed.Add(plan.traderShare)
		metrics.DistributedAmount.WithLabelValues("trader").Add(plan.traderShare.InexactFloat64())
	}

	for _, p := range plan.upline {
		_, err := e.ledger.Post(ctx, p.memberID, model.OwnerMember,
			model.DirectionIncome, model.CategoryUplineShare,
			p.amount, fmt.Sprintf("level %d share from %s", p.level, trader.Username))
		if err != nil {
			return e.fail(res, fmt.Sprintf("post level %d share", p.level), err)
		}
		res.Distributed = res.Distributed.Add(p.amount)
		metrics.DistributedAmount.WithLabelValues("upline").Add(p.amount.InexactFloat64())
	}

	if plan.systemShare.IsPositive() {
		_, err := e.ledger.Post(ctx, model.SystemAccountID, model.OwnerSystem,
			model.DirectionIncome, model.CategorySystemCommission,
			plan.systemShare, fmt.Sprintf("commission from %s", trader.Username))
		if err != nil {
			return e.fail(res, "post system share", err)
		}
		res.Distributed = res.Distributed.Add(plan.systemShare)
		metrics.DistributedAmount.WithLabelValues("system").Add(plan.systemShare.InexactFloat64())
	}

	if err := e.store.SetLastFeeSync(ctx, traderID, now); err != nil {
		return e.fail(res, "finalize sync", err)
	}

	// The trader's lifetime rebate income just grew; new milestone levels
	// may have unlocked.
	if _, err := e.milestones.Sync(ctx, trader.ID); err != nil {
		slog.Warn("milestone sync after distribution failed",
			"trader_id", trader.ID, "error", err)
	}

	res.State = StateDone
	slog.Info("distribution posted",
		"trader_id", trader.ID,
		"username", trader.Username,
		"total_fees", totalFees.String(),
		"trader_share", plan.traderShare.String(),
		"system_share", plan.systemShare.String(),
		"upline_recipients", len(plan.upline),
		"strategy", e.strategy.Name(),
	)

	if e.hub != nil {
		e.hub.Broadcast(events.Message{
			Type:             events.TypeDistributionPosted,
			TraderID:         trader.ID,
			Username:         trader.Username,
			TotalFees:        totalFees.String(),
			TraderShare:      plan.traderShare.String(),
			SystemShare:      plan.systemShare.String(),
			UplineRecipients: len(plan.upline),
		})
	}
	return res
}

// uplinePayout is one ancestor's computed share.
type uplinePayout struct {
	memberID string
	level    int
	amount   decimal.Decimal
}

// sharePlan is the full split for one trader's fee total.
type sharePlan struct {
	traderShare decimal.Decimal
	upline      []uplinePayout
	systemShare decimal.Decimal
}

// computeShares splits totalFees per the config. A configured level with
// no ancestor at that distance, or an ancestor the strategy rejects, rolls
// its percentage into the system share, so a config summing to 100 always
// distributes exactly the fee total. Amounts are rounded to 4 decimal
// places at the point each share is fixed.
func (e *Engine) computeShares(ctx context.Context, trader *model.Member, cfg *model.DistributionConfig, totalFees decimal.Decimal) (*sharePlan, error) {
	levels := append([]model.UplineLevel(nil), cfg.UplineDistribution...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	maxLevel := 0
	for _, lvl := range levels {
		if lvl.Level > maxLevel {
			maxLevel = lvl.Level
		}
	}
	if maxLevel > cfg.MaxUplineLevels {
		maxLevel = cfg.MaxUplineLevels
	}

	var chain []*model.Member
	if maxLevel > 0 {
		var err error
		chain, err = e.graph.AncestorChain(ctx, trader.ID, maxLevel)
		if err != nil {
			return nil, err
		}
	}

	plan := &sharePlan{
		traderShare: totalFees.Mul(cfg.TraderPercentage).Div(hundred).Round(4),
	}

	rolledPct := decimal.Zero
	for _, lvl := range levels {
		if lvl.Level > maxLevel || !lvl.Percentage.IsPositive() {
			continue
		}

		if lvl.Level > len(chain) {
			// Nobody at this distance.
			rolledPct = rolledPct.Add(lvl.Percentage)
			continue
		}
		ancestor := chain[lvl.Level-1]
		if !e.strategy.Eligible(cfg, ancestor, lvl.Level) {
			rolledPct = rolledPct.Add(lvl.Percentage)
			continue
		}

		amount := totalFees.Mul(lvl.Percentage).Div(hundred).Round(4)
		if !amount.IsPositive() {
			continue
		}
		plan.upline = append(plan.upline, uplinePayout{
			memberID: ancestor.ID,
			level:    lvl.Level,
			amount:   amount,
		})
	}

	plan.systemShare = totalFees.Mul(cfg.SystemPercentage.Add(rolledPct)).Div(hundred).Round(4)
	return plan, nil
}

func (e *Engine) skip(res TraderResult, reason string) TraderResult {
	res.State = StateSkipped
	res.Reason = reason
	slog.Info("distribution skipped", "trader_id", res.TraderID, "reason", reason)
	return res
}

func (e *Engine) fail(res TraderResult, stage string, err error) TraderResult {
	res.State = StateFailed
	res.Reason = fmt.Sprintf("%s: %v", stage, err)
	slog.Error("distribution failed",
		"trader_id", res.TraderID,
		"stage", stage,
		"already_posted", res.Distributed.String(),
		"error", err,
	)
	return res
}
