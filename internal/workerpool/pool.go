// Package workerpool provides the fixed-size execution pool that runs
// per-table sync jobs. Submission blocks when every worker is busy, which
// gives the scheduler natural backpressure instead of an unbounded queue.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Job is one unit of work. Jobs report failure through their own channels
// (catalog status); the pool only counts outcomes.
type Job func(ctx context.Context) error

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	jobs   chan Job
	quit   chan struct{}
	wg     sync.WaitGroup // workers
	active sync.WaitGroup // in-flight jobs

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	running   atomic.Int64
	pending   atomic.Int64

	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// New starts a pool with the given worker count. The base context bounds
// every job; cancelling it fails jobs fast but the pool still requires
// Shutdown to stop the workers.
func New(ctx context.Context, workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		jobs:   make(chan Job),
		quit:   make(chan struct{}),
		logger: logger.With().Str("component", "workerpool").Logger(),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx, i)
	}
	return p
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.pending.Add(-1)
			p.running.Add(1)
			if err := job(ctx); err != nil {
				p.failed.Add(1)
				p.logger.Error().Err(err).Int("worker", id).Msg("job failed")
			} else {
				p.completed.Add(1)
			}
			p.running.Add(-1)
			p.active.Done()
		case <-p.quit:
			return
		}
	}
}

// Submit hands a job to the pool, blocking until a worker picks it up or
// the context is cancelled. Submit after Shutdown returns false.
func (p *Pool) Submit(ctx context.Context, job Job) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.active.Add(1)
	p.mu.Unlock()
	p.pending.Add(1)

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return true
	case <-ctx.Done():
		p.pending.Add(-1)
		p.active.Done()
		return false
	}
}

// WaitForCompletion blocks until every submitted job has finished.
func (p *Pool) WaitForCompletion() {
	p.active.Wait()
}

// Shutdown stops accepting jobs, waits for in-flight work to finish and
// stops the workers. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	first := !p.closed
	p.closed = true
	p.mu.Unlock()

	// In-flight submissions hold active; waiting here guarantees no
	// sender is blocked on the job channel when the workers stop.
	p.active.Wait()
	if first {
		close(p.quit)
	}
	p.wg.Wait()
}

// Stats is a point-in-time view of the pool: lifetime counters plus the
// gauges for jobs currently executing and jobs waiting for a worker.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Active    int64
	Pending   int64
}

// Stats reports the pool's counters and gauges.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Active:    p.running.Load(),
		Pending:   p.pending.Load(),
	}
}
