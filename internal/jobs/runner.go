// Package jobs runs the periodic maintenance sweeps: claimed one-time key
// retention, stale to-device purge and age-based group session rotation.
// Every sweep is idempotent, so overlapping deploys running the runner
// concurrently do no harm.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"novakeys/internal/service"
)

type Runner struct {
	svc      *service.Service
	interval time.Duration
	logger   *slog.Logger
}

func NewRunner(svc *service.Service, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{svc: svc, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, executing one sweep immediately and
// then one per interval.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	if _, err := r.svc.CleanupClaimedKeys(ctx); err != nil {
		r.logger.Error("claimed key cleanup failed", "error", err)
	}
	if _, err := r.svc.PurgeToDevice(ctx); err != nil {
		r.logger.Error("to-device purge failed", "error", err)
	}
	if rotated, err := r.svc.RotateAgedSessions(ctx); err != nil {
		r.logger.Error("session rotation sweep failed", "error", err)
	} else if rotated > 0 {
		r.logger.Info("rotation sweep completed", "rotated", rotated)
	}
}
