package wallet_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
	"github.com/tradenet/referral-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestLedger(t *testing.T) (*wallet.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return wallet.NewLedger(ms, clock), ms
}

func seedMember(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	m := &model.Member{
		ID:             id,
		Username:       id,
		UserType:       model.UserTypeTrader,
		UnlockedLevels: []int{1},
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreateMember(context.Background(), m); err != nil {
		t.Fatalf("failed to seed member: %v", err)
	}
}

func TestPost_IncomeIncreasesBalance(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	entry, err := ledger.Post(ctx, "alice", model.OwnerMember,
		model.DirectionIncome, model.CategoryDeposit, d(100), "initial deposit")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if entry.ID == "" {
		t.Error("expected non-empty entry id")
	}
	if entry.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	m, _ := ms.GetMember(ctx, "alice")
	if !m.WalletBalance.Equal(d(100)) {
		t.Errorf("expected balance 100, got %s", m.WalletBalance)
	}
}

func TestPost_ExpenseDecreasesBalance(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryDeposit, d(100), "")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionExpense, model.CategoryWithdrawal, d(30), "")

	m, _ := ms.GetMember(ctx, "alice")
	if !m.WalletBalance.Equal(d(70)) {
		t.Errorf("expected balance 70, got %s", m.WalletBalance)
	}
}

func TestPost_RejectsNonPositiveAmount(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	if _, err := ledger.Post(ctx, "alice", model.OwnerMember,
		model.DirectionIncome, model.CategoryDeposit, decimal.Zero, ""); err != wallet.ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := ledger.Post(ctx, "alice", model.OwnerMember,
		model.DirectionIncome, model.CategoryDeposit, d(-5), ""); err != wallet.ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}

	// Nothing must have been written.
	entries, _ := ledger.History(ctx, "alice")
	if len(entries) != 0 {
		t.Errorf("expected empty history, got %d entries", len(entries))
	}
}

func TestPost_RejectsBadDirectionAndCategory(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	if _, err := ledger.Post(ctx, "alice", model.OwnerMember,
		"sideways", model.CategoryDeposit, d(10), ""); err != wallet.ErrInvalidDirection {
		t.Errorf("expected ErrInvalidDirection, got %v", err)
	}
	if _, err := ledger.Post(ctx, "alice", model.OwnerMember,
		model.DirectionIncome, "bribe", d(10), ""); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestPost_LifetimeTotals(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryTraderFeeShare, d(25), "")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryUplineShare, d(10), "")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryDeposit, d(500), "")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionExpense, model.CategoryWithdrawal, d(5), "")

	m, _ := ms.GetMember(ctx, "alice")
	if !m.LifetimeRebateIncome.Equal(d(25)) {
		t.Errorf("expected lifetime rebate 25, got %s", m.LifetimeRebateIncome)
	}
	if !m.LifetimeAffiliateIncome.Equal(d(10)) {
		t.Errorf("expected lifetime affiliate 10, got %s", m.LifetimeAffiliateIncome)
	}
	// Deposits and withdrawals never touch the lifetime income totals.
	if !m.WalletBalance.Equal(d(530)) {
		t.Errorf("expected balance 530, got %s", m.WalletBalance)
	}
}

func TestBalance_MatchesSignedSum(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryDeposit, d(100), "")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionExpense, model.CategoryWithdrawal, d(40), "")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryUplineShare, d(12.3456), "")

	audit, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance audit failed: %v", err)
	}

	m, _ := ms.GetMember(ctx, "alice")
	if !m.WalletBalance.Equal(audit) {
		t.Errorf("stored balance %s != ledger sum %s", m.WalletBalance, audit)
	}
}

func TestPost_SystemAccount(t *testing.T) {
	ledger, ms := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Post(ctx, model.SystemAccountID, model.OwnerSystem,
		model.DirectionIncome, model.CategorySystemCommission, d(15.5), "commission")
	if err != nil {
		t.Fatalf("system post failed: %v", err)
	}

	acct, err := ms.SystemAccount(ctx)
	if err != nil {
		t.Fatalf("system account: %v", err)
	}
	if !acct.Balance.Equal(d(15.5)) {
		t.Errorf("expected system balance 15.5, got %s", acct.Balance)
	}
}

func TestGetHistory_Endpoint(t *testing.T) {
	ledger, ms := newTestLedger(t)
	seedMember(t, ms, "alice")
	ctx := context.Background()

	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryDeposit, d(100), "first")
	ledger.Post(ctx, "alice", model.OwnerMember, model.DirectionIncome, model.CategoryUplineShare, d(3), "second")

	r := chi.NewRouter()
	r.Get("/api/v1/members/{memberID}/ledger", ledger.GetHistory)

	req := httptest.NewRequest("GET", "/api/v1/members/alice/ledger", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Note != "first" {
		t.Errorf("history should be oldest first, got %q", entries[0].Note)
	}
}
