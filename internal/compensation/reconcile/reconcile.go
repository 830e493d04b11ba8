// Package reconcile periodically rebuilds balances from the earnings ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler re-derives balances and reports how many users drifted.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type Job struct {
	target  Reconciler
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
}

type Option func(*Job)

func WithLogger(logger *slog.Logger) Option {
	return func(j *Job) {
		j.logger = logger
	}
}

// WithTimeout bounds a single run.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// New schedules target on a standard five-field cron expression or descriptor. Overlapping runs are skipped.
func New(target Reconciler, schedule string, opts ...Option) (*Job, error) {
	if target == nil {
		return nil, errors.New("reconciler is required")
	}
	j := &Job{
		target:  target,
		logger:  slog.Default(),
		timeout: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.cron.AddFunc(schedule, func() { _ = j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *Job) Start() {
	j.cron.Start()
	j.logger.Info("reconcile job scheduled", "next_run", j.cron.Entries()[0].Next)
}

// Stop waits for a running reconciliation to finish or ctx to expire.
func (j *Job) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one reconciliation.
func (j *Job) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	drifted, err := j.target.Reconcile(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "reconciliation failed", "error", err, "drifted", drifted)
		return err
	}
	j.logger.InfoContext(ctx, "reconciliation complete",
		"drifted", drifted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
