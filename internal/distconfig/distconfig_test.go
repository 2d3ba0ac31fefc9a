package distconfig_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/distconfig"
	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func validConfig() *model.DistributionConfig {
	return &model.DistributionConfig{
		SystemPercentage: d(40),
		TraderPercentage: d(25),
		UplineDistribution: []model.UplineLevel{
			{Level: 1, Percentage: d(20)},
			{Level: 2, Percentage: d(10)},
			{Level: 3, Percentage: d(5)},
		},
		Milestones:      model.Milestones{Enabled: false},
		MaxUplineLevels: 10,
	}
}

func TestValidate_Accepts(t *testing.T) {
	if err := distconfig.Validate(validConfig()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	// Sum below 100 is allowed; the remainder is simply never posted.
	cfg := validConfig()
	cfg.SystemPercentage = d(10)
	if err := distconfig.Validate(cfg); err != nil {
		t.Errorf("under-100 config rejected: %v", err)
	}
}

func TestValidate_TotalOver100(t *testing.T) {
	cfg := validConfig()
	cfg.SystemPercentage = d(50) // 50+25+35 = 110

	err := distconfig.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for total over 100")
	}
	if !strings.Contains(err.Error(), "110") || !strings.Contains(err.Error(), "exceeds 100") {
		t.Errorf("error should name the offending total: %v", err)
	}
}

func TestValidate_DuplicateLevel(t *testing.T) {
	cfg := validConfig()
	cfg.UplineDistribution = append(cfg.UplineDistribution, model.UplineLevel{Level: 2, Percentage: d(1)})

	if err := distconfig.Validate(cfg); err == nil {
		t.Error("expected error for duplicate upline level")
	}
}

func TestValidate_NonPositiveLevel(t *testing.T) {
	cfg := validConfig()
	cfg.UplineDistribution[0].Level = 0

	if err := distconfig.Validate(cfg); err == nil {
		t.Error("expected error for level 0")
	}
}

func TestValidate_NegativePercentage(t *testing.T) {
	cfg := validConfig()
	cfg.UplineDistribution[1].Percentage = d(-3)

	if err := distconfig.Validate(cfg); err == nil {
		t.Error("expected error for negative percentage")
	}
}

func TestValidate_LevelBeyondMax(t *testing.T) {
	cfg := validConfig()
	cfg.MaxUplineLevels = 2 // level 3 is configured

	if err := distconfig.Validate(cfg); err == nil {
		t.Error("expected error for level beyond max upline levels")
	}
}

func TestValidate_MilestoneRules(t *testing.T) {
	cfg := validConfig()
	cfg.Milestones = model.Milestones{
		Enabled: true,
		Levels: []model.MilestoneLevel{
			{Level: 2, RequiredIncome: d(100)},
			{Level: 2, RequiredIncome: d(200)},
		},
	}
	if err := distconfig.Validate(cfg); err == nil {
		t.Error("expected error for duplicate milestone level")
	}

	cfg.Milestones.Levels = []model.MilestoneLevel{
		{Level: 2, RequiredIncome: d(-1)},
	}
	if err := distconfig.Validate(cfg); err == nil {
		t.Error("expected error for negative required income")
	}
}

// --- HTTP tests ---

func newTestRouter(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc := distconfig.NewService(ms, clock)

	r := chi.NewRouter()
	r.Get("/api/v1/config", svc.GetConfig)
	r.Put("/api/v1/config", svc.UpdateConfig)
	return ms, r
}

func TestUpdateConfig_Valid(t *testing.T) {
	ms, router := newTestRouter(t)

	cfg := validConfig()
	cfg.TraderPercentage = d(30)
	body, _ := json.Marshal(cfg)

	req := httptest.NewRequest("PUT", "/api/v1/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	stored, _ := ms.GetConfig(context.Background())
	if !stored.TraderPercentage.Equal(d(30)) {
		t.Errorf("expected stored trader pct 30, got %s", stored.TraderPercentage)
	}
	if stored.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}
}

func TestUpdateConfig_RejectionLeavesStoreUnchanged(t *testing.T) {
	ms, router := newTestRouter(t)

	before, _ := ms.GetConfig(context.Background())

	bad := validConfig()
	bad.SystemPercentage = d(90) // pushes total over 100
	body, _ := json.Marshal(bad)

	req := httptest.NewRequest("PUT", "/api/v1/config", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	after, _ := ms.GetConfig(context.Background())
	if !after.SystemPercentage.Equal(before.SystemPercentage) {
		t.Errorf("rejected update must not change the store: before %s, after %s",
			before.SystemPercentage, after.SystemPercentage)
	}
}

func TestGetConfig_ReturnsDefaults(t *testing.T) {
	_, router := newTestRouter(t)

	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var cfg model.DistributionConfig
	json.Unmarshal(w.Body.Bytes(), &cfg)

	if !cfg.SystemPercentage.Equal(d(40)) || !cfg.TraderPercentage.Equal(d(25)) {
		t.Errorf("unexpected defaults: system %s, trader %s",
			cfg.SystemPercentage, cfg.TraderPercentage)
	}
	if len(cfg.UplineDistribution) != 3 {
		t.Errorf("expected 3 default upline levels, got %d", len(cfg.UplineDistribution))
	}
}
