// Package workpool runs best-effort background jobs on a fixed set of
// goroutines fed by a bounded queue.
package workpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fademem/fademem/pkg/logger"
)

// Job is a unit of background work. The context is cancelled when the pool
// is stopped without draining.
type Job func(ctx context.Context)

// Pool manages a pool of goroutines executing jobs.
type Pool struct {
	workers int
	jobs    chan Job
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	mu       sync.RWMutex
	stopOnce sync.Once
	wg       sync.WaitGroup

	processed atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// New returns a stopped pool with the given worker count and queue size.
func New(workers, queue int, log logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		jobs:    make(chan Job, queue),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// TrySubmit queues job without blocking. It returns false, counting a drop,
// when the queue is full or the pool is not running.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		p.dropped.Add(1)
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Submit queues job, blocking until there is room or ctx ends.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running.Load() {
		return context.Canceled
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses new jobs and waits for the workers. With drain set the queued
// jobs run first; otherwise their context is cancelled.
func (p *Pool) Stop(drain bool) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.running.Store(false)
		close(p.jobs)
		p.mu.Unlock()

		if !drain {
			p.cancel()
		}
		p.wg.Wait()
		p.cancel()
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("background job panicked", "panic", r)
		}
	}()
	job(p.ctx)
	p.processed.Add(1)
}

// Stats reports processed, dropped and panicked job counts.
func (p *Pool) Stats() (processed, dropped, panics int64) {
	return p.processed.Load(), p.dropped.Load(), p.panics.Load()
}

// Running reports whether the pool accepts jobs.
func (p *Pool) Running() bool {
	return p.running.Load()
}
