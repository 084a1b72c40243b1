package retention

import (
	"context"
	"sync"
	"time"

	"github.com/devmesh/devmesh/internal/logging"
)

// Scheduler runs the retention job on a fixed interval inside the server
// process. Interval <= 0 disables it; operators then run
// `devmesh retention` from cron instead.
type Scheduler struct {
	interval time.Duration
	job      *Job
	logger   *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewScheduler creates a scheduler over the given job.
func NewScheduler(interval time.Duration, job *Job) *Scheduler {
	return &Scheduler{
		interval: interval,
		job:      job,
		logger:   logging.GetLogger("retention.scheduler"),
	}
}

// Start implements lifecycle.Component.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("Retention scheduler disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(runCtx)
	s.logger.Info("Retention scheduler started (interval=%s)", s.interval)
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
	return "Retention Scheduler"
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.job.Run(ctx); err != nil {
				s.logger.Warn("Retention run failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
