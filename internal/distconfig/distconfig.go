// Package distconfig validates and serves the revenue split configuration.
// A config is rejected as a whole if any rule fails; the stored config is
// only replaced by one that passed validation.
package distconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/tradenet/referral-engine/internal/model"
	"github.com/tradenet/referral-engine/internal/store"
)

var ErrInvalidConfig = errors.New("invalid distribution config")

var hundred = decimal.NewFromInt(100)

// Validate checks every rule the engine depends on. The returned error
// names the first violation found.
func Validate(cfg *model.DistributionConfig) error {
	if cfg.SystemPercentage.IsNegative() || cfg.SystemPercentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: system percentage %s out of range [0,100]",
			ErrInvalidConfig, cfg.SystemPercentage)
	}
	if cfg.TraderPercentage.IsNegative() || cfg.TraderPercentage.GreaterThan(hundred) {
		return fmt.Errorf("%w: trader percentage %s out of range [0,100]",
			ErrInvalidConfig, cfg.TraderPercentage)
	}
	if cfg.MaxUplineLevels < 1 {
		return fmt.Errorf("%w: max upline levels must be at least 1", ErrInvalidConfig)
	}

	seen := make(map[int]bool, len(cfg.UplineDistribution))
	uplineTotal := decimal.Zero
	for _, lvl := range cfg.UplineDistribution {
		if lvl.Level < 1 {
			return fmt.Errorf("%w: upline level %d must be positive", ErrInvalidConfig, lvl.Level)
		}
		if lvl.Level > cfg.MaxUplineLevels {
			return fmt.Errorf("%w: upline level %d exceeds max upline levels %d",
				ErrInvalidConfig, lvl.Level, cfg.MaxUplineLevels)
		}
		if seen[lvl.Level] {
			return fmt.Errorf("%w: duplicate upline level %d", ErrInvalidConfig, lvl.Level)
		}
		seen[lvl.Level] = true

		if lvl.Percentage.IsNegative() {
			return fmt.Errorf("%w: upline level %d percentage %s is negative",
				ErrInvalidConfig, lvl.Level, lvl.Percentage)
		}
		uplineTotal = uplineTotal.Add(lvl.Percentage)
	}

	total := cfg.SystemPercentage.Add(cfg.TraderPercentage).Add(uplineTotal)
	if total.GreaterThan(hundred) {
		return fmt.Errorf("%w: total %s%% exceeds 100%%", ErrInvalidConfig, total)
	}

	milestoneSeen := make(map[int]bool, len(cfg.Milestones.Levels))
	for _, lvl := range cfg.Milestones.Levels {
		if lvl.Level < 1 {
			return fmt.Errorf("%w: milestone level %d must be positive", ErrInvalidConfig, lvl.Level)
		}
		if milestoneSeen[lvl.Level] {
			return fmt.Errorf("%w: duplicate milestone level %d", ErrInvalidConfig, lvl.Level)
		}
		milestoneSeen[lvl.Level] = true
		if lvl.RequiredIncome.IsNegative() {
			return fmt.Errorf("%w: milestone level %d required income %s is negative",
				ErrInvalidConfig, lvl.Level, lvl.RequiredIncome)
		}
	}

	return nil
}

// Service exposes the config read/update handlers.
type Service struct {
	store store.Store
	clock clockwork.Clock
}

// NewService creates a config service.
func NewService(st store.Store, clock clockwork.Clock) *Service {
	return &Service{store: st, clock: clock}
}

// GetConfig handles GET /api/v1/config
func (s *Service) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfig(r.Context())
	if err != nil {
		writeError(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

// UpdateConfig handles PUT /api/v1/config
// The whole document is replaced; a validation failure leaves the stored
// config untouched.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.DistributionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := Validate(&cfg); err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	cfg.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.SaveConfig(r.Context(), &cfg); err != nil {
		writeError(w, "failed to save config", http.StatusInternalServerError)
		return
	}

	slog.Info("distribution config updated",
		"system_pct", cfg.SystemPercentage.String(),
		"trader_pct", cfg.TraderPercentage.String(),
		"upline_levels", len(cfg.UplineDistribution),
		"milestones_enabled", cfg.Milestones.Enabled,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
