package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Runner reconciles on a fixed interval until its context ends.
type Runner struct {
	reconciler interface {
		ReconcilePurchases(ctx context.Context) (Result, error)
	}
	interval time.Duration
	logger   zerolog.Logger
	// tick is swapped in tests.
	tick func(d time.Duration) (<-chan time.Time, func())
}

func NewRunner(r *Reconciler, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Runner{reconciler: r, interval: interval, logger: logger, tick: newTicker}
}

func newTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Run blocks until ctx is cancelled. Failed passes are logged and retried on the next tick.
func (r *Runner) Run(ctx context.Context) {
	ticks, stop := r.tick(r.interval)
	defer stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconcile.runner_started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconcile.runner_stopped")
			return
		case <-ticks:
			if _, err := r.reconciler.ReconcilePurchases(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("reconcile.scheduled_run_failed")
			}
		}
	}
}
