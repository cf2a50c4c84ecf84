// Package executor runs handler work off the dispatcher's control goroutine
// on a bounded goroutine pool.
package executor

import (
	"context"
	"fmt"

	"github.com/panjf2000/ants/v2"
)

// Executor wraps an ants pool.
type Executor struct {
	pool *ants.Pool
}

// Option tunes the pool.
type Option func(*options)

type options struct {
	blocking bool
}

// WithBlocking makes Submit wait for a free worker instead of failing when
// the pool is full.
func WithBlocking() Option {
	return func(o *options) { o.blocking = true }
}

// New creates an executor with at most size concurrent workers. Submit fails
// fast on a full pool unless WithBlocking is given.
func New(size int, opts ...Option) (*Executor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(!o.blocking))
	if err != nil {
		return nil, err
	}
	return &Executor{pool: pool}, nil
}

// Submit runs work on the pool and passes its result to callback. Panics in
// work are recovered and reported as errors. If ctx is already done the work
// is skipped and callback receives the context error. Submit fails without
// calling callback when the pool is released, or when it is full and not
// blocking.
func (e *Executor) Submit(ctx context.Context, work func(ctx context.Context) error, callback func(error)) error {
	return e.pool.Submit(func() {
		var execErr error
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic: %v", r)
			}
			if callback != nil {
				callback(execErr)
			}
		}()

		select {
		case <-ctx.Done():
			execErr = fmt.Errorf("context canceled: %w", ctx.Err())
			return
		default:
			execErr = work(ctx)
		}
	})
}

// Running returns the number of busy workers.
func (e *Executor) Running() int {
	return e.pool.Running()
}

// Release stops accepting work. Work already running continues.
func (e *Executor) Release() {
	e.pool.Release()
}
