package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultInterval is the time between scheduled cycles.
const DefaultInterval = 10 * time.Minute

// Scheduler triggers cycles on a fixed interval.
type Scheduler struct {
	svc        *Service
	interval   time.Duration
	runOnStart bool
	logger     log.Logger
}

// NewScheduler creates a Scheduler. A non-positive interval uses
// DefaultInterval.
func NewScheduler(svc *Service, interval time.Duration, runOnStart bool, logger log.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{svc: svc, interval: interval, runOnStart: runOnStart, logger: logger}
}

// Run blocks until ctx is done. A tick that lands while a cycle is still
// running is skipped rather than queued. Cancelling ctx stops the ticker
// but a cycle already running finishes.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info(ctx, "scheduler started", "interval", s.interval.String(), "run_on_start", s.runOnStart)

	if s.runOnStart {
		s.tick(ctx)
	}

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopped")
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.svc.TryRunCycle(context.WithoutCancel(ctx), TriggerSchedule)
	if errors.Is(err, ErrCycleInProgress) {
		s.logger.Warn(ctx, "previous cycle still running, skipping tick")
	}
}
