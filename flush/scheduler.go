package flush

import (
	"context"
)

// Scheduler dispatches flush jobs to a job pool.
type Scheduler interface {
	ScheduleFlush(ctx context.Context, job *Job) (*Handle, error)
}

// PoolScheduler runs flush jobs on a JobPool.
type PoolScheduler struct {
	pool JobPool
}

var _ Scheduler = (*PoolScheduler)(nil)

func NewScheduler(pool JobPool) *PoolScheduler {
	return &PoolScheduler{pool: pool}
}

func (s *PoolScheduler) ScheduleFlush(ctx context.Context, job *Job) (*Handle, error) {
	return s.pool.Submit(ctx, func(ctx context.Context) error {
		_, err := job.Run(ctx)
		return err
	})
}
