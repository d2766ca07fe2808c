package executor

import (
	"context"
	"sync"

	"github.com/avaropoint/stark/internal/protocol"
)

// In-band errors for jobs the pool never ran.
const (
	ErrQueueFull    = "agent busy: command queue full"
	ErrSessionEnded = "agent session ended"
)

// Job is a unit of work for the pool. Run produces the result and Done
// receives it on the worker goroutine.
type Job struct {
	ID   string
	Run  func(ctx context.Context) protocol.CommandResult
	Done func(protocol.CommandResult)
}

// CommandJob wraps an executor request as a pool job.
func (e *Executor) CommandJob(req Request, done func(protocol.CommandResult)) Job {
	return Job{
		ID:   req.CommandID,
		Run:  func(ctx context.Context) protocol.CommandResult { return e.Execute(ctx, req) },
		Done: done,
	}
}

// Pool runs jobs on a fixed set of workers fed by a bounded queue, so a
// message read loop can hand off work without blocking.
type Pool struct {
	ctx    context.Context
	mu     sync.Mutex
	jobs   chan Job
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines that run jobs until ctx is cancelled
// or Close is called. Cancelling ctx also cancels running jobs.
func NewPool(ctx context.Context, workers, queue int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{ctx: ctx, jobs: make(chan Job, queue)}
	for range workers {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				finish(job, protocol.Failure(job.ID, ErrSessionEnded))
				continue
			}
			finish(job, job.Run(ctx))
		}
	}
}

// drain fails every job still queued once the pool's context is done.
func (p *Pool) drain() {
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			finish(job, protocol.Failure(job.ID, ErrSessionEnded))
		default:
			return
		}
	}
}

func finish(job Job, res protocol.CommandResult) {
	if job.Done != nil {
		job.Done(res)
	}
}

// Submit enqueues job without blocking. When the queue is full, the pool
// is closed or its context is done, job.Done is called immediately with
// a failure result and Submit returns false.
func (p *Pool) Submit(job Job) bool {
	if p.ctx.Err() != nil {
		finish(job, protocol.Failure(job.ID, ErrSessionEnded))
		return false
	}

	p.mu.Lock()
	if !p.closed {
		select {
		case p.jobs <- job:
			p.mu.Unlock()
			return true
		default:
		}
	}
	p.mu.Unlock()

	finish(job, protocol.Failure(job.ID, ErrQueueFull))
	return false
}

// Close stops accepting jobs and waits for queued and running jobs to
// finish. Jobs left queued after the context ended are failed, so every
// submitted job gets exactly one Done call.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.drain()
}
