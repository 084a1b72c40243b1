package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/devmesh/devmesh/internal/logging"
)

// Runner is one backfill job as the scheduler sees it.
type Runner interface {
	Run(ctx context.Context) (*Stats, error)
}

// Scheduler runs the safety-net jobs on a fixed interval inside the
// server process. Interval <= 0 disables it; operators then run
// `devmesh backfill` from cron instead.
type Scheduler struct {
	interval time.Duration
	jobs     []Runner
	logger   *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewScheduler creates a scheduler over the given jobs.
func NewScheduler(interval time.Duration, jobs ...Runner) *Scheduler {
	return &Scheduler{
		interval: interval,
		jobs:     jobs,
		logger:   logging.GetLogger("backfill.scheduler"),
	}
}

// Start implements lifecycle.Component.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("Backfill scheduler disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(runCtx)
	s.logger.Info("Backfill scheduler started (interval=%s)", s.interval)
	return nil
}

// Stop implements lifecycle.Component.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements lifecycle.Component.
func (s *Scheduler) Name() string {
	return "Backfill Scheduler"
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		if _, err := job.Run(ctx); err != nil {
			s.logger.Warn("Backfill run failed: %v", err)
		}
	}
}
