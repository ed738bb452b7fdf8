package clips

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of transcodes running at once in this process.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool of size slots. size < 1 is treated as 1.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return p.size
}

// Do runs fn once a slot is free. It returns early if ctx ends while waiting.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for transcode slot: %w", err)
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// TryDo runs fn only if a slot is free right now.
func (p *Pool) TryDo(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	if !p.sem.TryAcquire(1) {
		return false, nil
	}
	defer p.sem.Release(1)
	return true, fn(ctx)
}
