// Package limiter bounds the number of simultaneous calls to the rewrite
// model. One Limiter is shared by every request in the process.
package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Stats is a snapshot of limiter usage
type Stats struct {
	Max       int64 `json:"max"`
	InFlight  int64 `json:"in_flight"`
	Peak      int64 `json:"peak"`
	Waiting   int64 `json:"waiting"`
	Abandoned int64 `json:"abandoned"`
}

type Limiter struct {
	sem       *semaphore.Weighted
	max       int64
	inFlight  atomic.Int64
	peak      atomic.Int64
	waiting   atomic.Int64
	abandoned atomic.Int64
}

// New creates a limiter admitting max concurrent calls. max < 1 is treated as 1.
func New(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire blocks until a slot is free or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return nil
}

// Release returns a slot
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// Stats returns current counters
func (l *Limiter) Stats() Stats {
	return Stats{
		Max:       l.max,
		InFlight:  l.inFlight.Load(),
		Peak:      l.peak.Load(),
		Waiting:   l.waiting.Load(),
		Abandoned: l.abandoned.Load(),
	}
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn while holding a slot. If ctx ends before fn returns, Do returns
// ctx.Err() at once and the late result is discarded. The slot is released
// only when fn itself returns.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := l.Acquire(ctx); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	go func() {
		defer l.Release()
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		l.abandoned.Add(1)
		return zero, ctx.Err()
	}
}
