package flush

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("job pool is closed")

// JobFunc is a unit of background work.
type JobFunc func(ctx context.Context) error

// JobPool runs background jobs.
type JobPool interface {
	// Submit queues fn. Jobs run detached from the caller's cancellation.
	Submit(ctx context.Context, fn JobFunc) (*Handle, error)
	Close(ctx context.Context) error
}

// Handle tracks one submitted job.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the job has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx ends, and returns the job's
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WorkerPool bounds the number of jobs running at once with a weighted
// semaphore. It is shared by every region of an engine.
type WorkerPool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	closed atomic.Bool
	// cancelled only by Close once the grace period ends
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	running atomic.Int64
}

var _ JobPool = (*WorkerPool)(nil)

func NewWorkerPool(maxJobs int64, logger *slog.Logger) *WorkerPool {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:    semaphore.NewWeighted(maxJobs),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "WorkerPool"),
	}
}

func (p *WorkerPool) Submit(ctx context.Context, fn JobFunc) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	h := newHandle()
	jobCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			h.finish(ErrPoolClosed)
			return
		}
		defer p.sem.Release(1)
		p.running.Add(1)
		defer p.running.Add(-1)

		err := fn(jobCtx)
		if err != nil {
			p.logger.Debug("Background job failed", "error", err)
		}
		h.finish(err)
	}()
	return h, nil
}

// Running reports the number of jobs currently executing.
func (p *WorkerPool) Running() int64 { return p.running.Load() }

// Close stops accepting jobs and waits for submitted jobs to finish. Jobs
// still queued when ctx ends are abandoned.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.closed.Store(true)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
