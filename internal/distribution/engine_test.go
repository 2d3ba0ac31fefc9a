package distribution_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/tradenet/referral-engine/internal/broker"
	"github.com/tradenet/referral-engine/internal/distribution"
	"github.com/tradenet/referral-engine/internal/milestone"
	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/referral"
	"github.com/tradenet/referral-engine/internal/store"
	"github.com/tradenet/referral-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeFeeSource returns canned fee records per access token.
type fakeFeeSource struct {
	fees map[string][]broker.FeeRecord
	err  error
}

func (f *fakeFeeSource) FetchFees(_ context.Context, session *model.BrokerSession, _, _ time.Time) ([]broker.FeeRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fees[session.AccessToken], nil
}

type testEnv struct {
	ms     *store.MemoryStore
	clock  *clockwork.FakeClock
	graph  *referral.Graph
	ledger *wallet.Ledger
	fees   *fakeFeeSource
}

func newTestEnv(t *testing.T, strategy distribution.Strategy) (*testEnv, *distribution.Engine) {
	t.Helper()
	env := &testEnv{
		ms:    store.NewMemoryStore(),
		clock: clockwork.NewFakeClockAt(time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC)),
		fees:  &fakeFeeSource{fees: map[string][]broker.FeeRecord{}},
	}
	env.graph = referral.NewGraph(env.ms, env.clock)
	env.ledger = wallet.NewLedger(env.ms, env.clock)
	tracker := milestone.NewTracker(env.ms, nil)
	limiter := rate.NewLimiter(rate.Inf, 1)

	engine := distribution.NewEngine(env.ms, env.ledger, env.graph, tracker,
		env.fees, env.clock, limiter, strategy, nil)
	return env, engine
}

func (env *testEnv) seedMember(t *testing.T, id, userType, sponsorUsername string) *model.Member {
	t.Helper()
	m := &model.Member{
		ID:             id,
		Username:       id,
		UserType:       userType,
		UnlockedLevels: []int{1},
		CreatedAt:      env.clock.Now().UTC(),
	}
	if err := env.graph.Register(context.Background(), m, sponsorUsername); err != nil {
		t.Fatalf("failed to seed member %s: %v", id, err)
	}
	return m
}

// seedChain builds up3 ← up2 ← up1 ← trader, links the trader to the
// broker, and queues fee records totalling the given amounts.
func (env *testEnv) seedChain(t *testing.T, traderID string, feeAmounts ...float64) {
	t.Helper()
	env.seedMember(t, "up3", model.UserTypeAgent, "")
	env.seedMember(t, "up2", model.UserTypeAgent, "up3")
	env.seedMember(t, "up1", model.UserTypeAgent, "up2")
	env.seedMember(t, traderID, model.UserTypeTrader, "up1")
	env.linkTrader(t, traderID, feeAmounts...)
}

func (env *testEnv) linkTrader(t *testing.T, traderID string, feeAmounts ...float64) {
	t.Helper()
	token := "tok-" + traderID
	err := env.ms.SetBrokerSession(context.Background(), traderID, &model.BrokerSession{
		AccessToken:  token,
		RefreshToken: "rt-" + traderID,
	})
	if err != nil {
		t.Fatalf("failed to link trader: %v", err)
	}

	var records []broker.FeeRecord
	for _, amt := range feeAmounts {
		records = append(records, broker.FeeRecord{
			Account:   traderID,
			Fee:       d(amt),
			ChargedAt: env.clock.Now().UTC().Add(-time.Hour),
		})
	}
	env.fees.fees[token] = records
}

func balance(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	m, err := ms.GetMember(context.Background(), id)
	if err != nil {
		t.Fatalf("get member %s: %v", id, err)
	}
	return m.WalletBalance
}

// --- Split computation ---

func TestRunOne_FullChainSplit(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedChain(t, "trader", 60, 40) // 100 total

	res := engine.RunOne(context.Background(), "trader", false)
	if res.State != distribution.StateDone {
		t.Fatalf("expected done, got %s (%s)", res.State, res.Reason)
	}
	if !res.TotalFees.Equal(d(100)) {
		t.Errorf("expected total fees 100, got %s", res.TotalFees)
	}

	// Default config: system 40, trader 25, upline 20/10/5.
	if got := balance(t, env.ms, "trader"); !got.Equal(d(25)) {
		t.Errorf("trader share: expected 25, got %s", got)
	}
	if got := balance(t, env.ms, "up1"); !got.Equal(d(20)) {
		t.Errorf("level 1 share: expected 20, got %s", got)
	}
	if got := balance(t, env.ms, "up2"); !got.Equal(d(10)) {
		t.Errorf("level 2 share: expected 10, got %s", got)
	}
	if got := balance(t, env.ms, "up3"); !got.Equal(d(5)) {
		t.Errorf("level 3 share: expected 5, got %s", got)
	}

	acct, _ := env.ms.SystemAccount(context.Background())
	if !acct.Balance.Equal(d(40)) {
		t.Errorf("system share: expected 40, got %s", acct.Balance)
	}

	// The config sums to 100, so the whole fee total must be distributed.
	if !res.Distributed.Equal(d(100)) {
		t.Errorf("conservation violated: distributed %s of 100", res.Distributed)
	}
}

func TestRunOne_ShortChainRollsIntoSystem(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	// Only one ancestor: up1 ← trader.
	env.seedMember(t, "up1", model.UserTypeAgent, "")
	env.seedMember(t, "trader", model.UserTypeTrader, "up1")
	env.linkTrader(t, "trader", 100)

	res := engine.RunOne(context.Background(), "trader", false)
	if res.State != distribution.StateDone {
		t.Fatalf("expected done, got %s (%s)", res.State, res.Reason)
	}

	if got := balance(t, env.ms, "up1"); !got.Equal(d(20)) {
		t.Errorf("level 1 share: expected 20, got %s", got)
	}

	// Levels 2 and 3 have no recipient; their 15% rolls into the system.
	acct, _ := env.ms.SystemAccount(context.Background())
	if !acct.Balance.Equal(d(55)) {
		t.Errorf("system share: expected 55 (40 + 15 rolled), got %s", acct.Balance)
	}
	if !res.Distributed.Equal(d(100)) {
		t.Errorf("conservation violated: distributed %s of 100", res.Distributed)
	}
}

func TestRunOne_MilestoneGatingRollsLockedShares(t *testing.T) {
	env, engine := newTestEnv(t, distribution.MilestoneGated{})
	env.seedChain(t, "trader", 100)

	// Enable milestones; up2 has unlocked 2, up3 has only level 1 so its
	// level-3 share is suppressed.
	ctx := context.Background()
	cfg, _ := env.ms.GetConfig(ctx)
	cfg.Milestones.Enabled = true
	if err := env.ms.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := env.ms.SetUnlockedLevels(ctx, "up2", []int{1, 2}); err != nil {
		t.Fatalf("set levels: %v", err)
	}

	res := engine.RunOne(ctx, "trader", false)
	if res.State != distribution.StateDone {
		t.Fatalf("expected done, got %s (%s)", res.State, res.Reason)
	}

	// up1 paid via the always-open level 1, up2 via its unlocked level 2.
	if got := balance(t, env.ms, "up1"); !got.Equal(d(20)) {
		t.Errorf("level 1 share: expected 20, got %s", got)
	}
	if got := balance(t, env.ms, "up2"); !got.Equal(d(10)) {
		t.Errorf("level 2 share: expected 10, got %s", got)
	}
	if got := balance(t, env.ms, "up3"); !got.IsZero() {
		t.Errorf("locked level 3 must not be paid, got %s", got)
	}

	acct, _ := env.ms.SystemAccount(ctx)
	if !acct.Balance.Equal(d(45)) {
		t.Errorf("system share: expected 45 (40 + 5 suppressed), got %s", acct.Balance)
	}
}

func TestRunOne_RoundsAtPosting(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedChain(t, "trader", 0.01) // trader share 0.0025, level 3 share 0.0005

	res := engine.RunOne(context.Background(), "trader", false)
	if res.State != distribution.StateDone {
		t.Fatalf("expected done, got %s (%s)", res.State, res.Reason)
	}

	if got := balance(t, env.ms, "trader"); !got.Equal(d(0.0025)) {
		t.Errorf("trader share: expected 0.0025, got %s", got)
	}
	// 0.01 * 5% = 0.0005 survives 4dp rounding.
	if got := balance(t, env.ms, "up3"); !got.Equal(d(0.0005)) {
		t.Errorf("level 3 share: expected 0.0005, got %s", got)
	}
}

// --- Cadence and idempotence ---

func TestRunOne_CadenceSkipsSecondRun(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedChain(t, "trader", 100)
	ctx := context.Background()

	first := engine.RunOne(ctx, "trader", false)
	if first.State != distribution.StateDone {
		t.Fatalf("first run: expected done, got %s", first.State)
	}

	second := engine.RunOne(ctx, "trader", false)
	if second.State != distribution.StateSkipped {
		t.Errorf("second run within cadence: expected skipped, got %s", second.State)
	}

	// No double payout.
	if got := balance(t, env.ms, "trader"); !got.Equal(d(25)) {
		t.Errorf("trader balance after skip: expected 25, got %s", got)
	}

	// After the cadence window a run is allowed again.
	env.clock.Advance(25 * time.Hour)
	third := engine.RunOne(ctx, "trader", false)
	if third.State != distribution.StateDone {
		t.Errorf("run after cadence: expected done, got %s (%s)", third.State, third.Reason)
	}
}

func TestRunOne_ForceBypassesCadenceButNotFees(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedChain(t, "trader", 100)
	ctx := context.Background()

	engine.RunOne(ctx, "trader", false)

	// Force reruns immediately, but the already-counted fee records are
	// older than lastFeeSync and must not pay out again.
	forced := engine.RunOne(ctx, "trader", true)
	if forced.State != distribution.StateDone {
		t.Fatalf("forced run: expected done, got %s (%s)", forced.State, forced.Reason)
	}
	if !forced.Distributed.IsZero() {
		t.Errorf("forced rerun distributed %s, expected 0", forced.Distributed)
	}
	if got := balance(t, env.ms, "trader"); !got.Equal(d(25)) {
		t.Errorf("trader balance after forced rerun: expected 25, got %s", got)
	}
}

func TestRunOne_NoBrokerSessionSkips(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedMember(t, "plain", model.UserTypeTrader, "")

	res := engine.RunOne(context.Background(), "plain", false)
	if res.State != distribution.StateSkipped {
		t.Errorf("expected skipped, got %s", res.State)
	}
}

func TestRunOne_NoFeesStillFinalizesSync(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedMember(t, "trader", model.UserTypeTrader, "")
	env.linkTrader(t, "trader") // no fee records

	res := engine.RunOne(context.Background(), "trader", false)
	if res.State != distribution.StateDone {
		t.Fatalf("expected done, got %s (%s)", res.State, res.Reason)
	}
	if !res.Distributed.IsZero() {
		t.Errorf("expected nothing distributed, got %s", res.Distributed)
	}

	m, _ := env.ms.GetMember(context.Background(), "trader")
	if m.Broker.LastFeeSync == nil {
		t.Error("lastFeeSync must be set even when no fees were found")
	}
}

// --- Batch behavior ---

func TestRunAll_FailureIsolation(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedChain(t, "good", 100)

	// Second linked trader whose fetch errors.
	env.seedMember(t, "bad", model.UserTypeTrader, "up1")
	env.linkTrader(t, "bad", 50)

	selective := &selectiveFeeSource{
		inner:     env.fees,
		failToken: "tok-bad",
		err:       errors.New("upstream timeout"),
	}
	engine = rebuildEngine(t, env, selective, distribution.FullTable{})

	summary, err := engine.RunAll(context.Background(), false)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if summary.Success != 1 || summary.Failed != 1 {
		t.Errorf("expected 1 success and 1 failure, got %+v", summary)
	}
	// The good trader was still paid.
	if got := balance(t, env.ms, "good"); !got.Equal(d(25)) {
		t.Errorf("good trader share: expected 25, got %s", got)
	}
	if !summary.TotalDistributed.Equal(d(100)) {
		t.Errorf("expected total distributed 100, got %s", summary.TotalDistributed)
	}
}

func TestRunAll_OnlyLinkedTraders(t *testing.T) {
	env, engine := newTestEnv(t, distribution.FullTable{})
	env.seedChain(t, "trader", 100)
	env.seedMember(t, "bystander", model.UserTypeAgent, "up1")

	summary, err := engine.RunAll(context.Background(), false)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(summary.Results) != 1 {
		t.Errorf("expected 1 trader in batch, got %d", len(summary.Results))
	}
}

type selectiveFeeSource struct {
	inner     broker.FeeSource
	failToken string
	err       error
}

func (s *selectiveFeeSource) FetchFees(ctx context.Context, session *model.BrokerSession, from, to time.Time) ([]broker.FeeRecord, error) {
	if session.AccessToken == s.failToken {
		return nil, s.err
	}
	return s.inner.FetchFees(ctx, session, from, to)
}

func rebuildEngine(t *testing.T, env *testEnv, fees broker.FeeSource, strategy distribution.Strategy) *distribution.Engine {
	t.Helper()
	tracker := milestone.NewTracker(env.ms, nil)
	limiter := rate.NewLimiter(rate.Inf, 1)
	return distribution.NewEngine(env.ms, env.ledger, env.graph, tracker,
		fees, env.clock, limiter, strategy, nil)
}
