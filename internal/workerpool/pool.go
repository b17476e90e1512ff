// Package workerpool runs CPU-bound work (hashing, compression) on a
// bounded set of goroutines so request-handling goroutines never block on
// it directly. Grounded on the semaphore-bounded concurrency used for
// warm-up fan-out in the pack's Firecracker pool implementation.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent execution of blocking CPU-heavy functions.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool that runs at most n functions concurrently.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n))}
}

// Submit runs fn once a slot is free, blocking the caller until either fn
// completes or ctx is canceled while waiting for a slot.
func (p *Pool) Submit(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
