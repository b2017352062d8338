package sandbox

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many executions run at the same time across all rooms.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with size slots. A non-positive size uses twice the CPU count.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 2 * runtime.NumCPU()
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
	}
}

// Size reports the number of slots.
func (p *Pool) Size() int {
	return p.size
}

// Do waits for a free slot and runs fn while holding it. It returns the context
// error without running fn when ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context)) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	poolInFlight.Inc()
	defer func() {
		poolInFlight.Dec()
		p.sem.Release(1)
	}()

	fn(ctx)
	return nil
}
