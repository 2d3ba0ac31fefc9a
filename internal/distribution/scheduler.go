package distribution

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler runs the distribution batch on a fixed interval. The cadence
// check inside the engine makes an extra tick harmless: traders synced
// within the last day are skipped.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
}

// NewScheduler creates a scheduler around the engine.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	return &Scheduler{engine: engine, interval: interval}
}

// Start launches the tick loop in a goroutine. It runs once immediately,
// then on every interval until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		slog.Info("distribution scheduler started", "interval", s.interval)

		s.safeRun(ctx)

		ticker := s.engine.clock.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				s.safeRun(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("distribution batch panicked", "panic", r)
		}
	}()

	if _, err := s.engine.RunAll(ctx, false); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("scheduled distribution batch failed", "error", err)
	}
}
