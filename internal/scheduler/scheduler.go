// Package scheduler runs the escalation sweep on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"readyline/internal/engine"
)

type Sweeper interface {
	RunEscalationSweep(ctx context.Context, now time.Time) (engine.SweepResult, error)
}

type Scheduler struct {
	Sweeper  Sweeper
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Run sweeps immediately and then every Interval until ctx is done. A
// failed sweep is logged and retried on the next tick.
func (s Scheduler) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("escalation scheduler started", "interval", interval.String())
	for {
		res, err := s.Sweeper.RunEscalationSweep(ctx, now())
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Error("escalation sweep failed", "err", err)
		case res.Skipped:
			logger.Debug("escalation sweep skipped; another sweep holds the lock")
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			logger.Info("escalation scheduler stopped")
			return nil
		}
	}
}
