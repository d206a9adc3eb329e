package decay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fademem/fademem/pkg/logger"
)

// Scheduler runs a maintenance function on a fixed interval until stopped.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	run      func(ctx context.Context) error
	log      logger.Logger
	cancel   context.CancelFunc
	done     chan struct{}

	runs     atomic.Int64
	failures atomic.Int64
}

// NewScheduler creates a scheduler calling run every interval.
func NewScheduler(interval time.Duration, run func(ctx context.Context) error, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{interval: interval, run: run, log: log}
}

// Start launches the background loop. A non-positive interval or a second
// Start is a no-op.
func (s *Scheduler) Start(parentCtx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval <= 0 || s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(s.done)
}

// RunOnce performs one pass synchronously. Failures are logged and counted.
func (s *Scheduler) RunOnce(ctx context.Context) {
	n := s.runs.Add(1)
	ctx = logger.ContextWith(ctx, "maintenance_run", n)
	if err := s.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failures.Add(1)
		s.log.WarnContext(ctx, "maintenance pass failed", "error", err)
	}
}

// Stop cancels the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Stats returns the number of passes started and failed.
func (s *Scheduler) Stats() (runs, failures int64) {
	return s.runs.Load(), s.failures.Load()
}
