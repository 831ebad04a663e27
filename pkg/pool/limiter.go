// Package pool bounds the number of Storage Facade calls in flight against
// the shared BadgerDB handle, and the backlog of callers waiting for a
// slot, so that a stalled storage engine cannot wedge every caller.
//
// This mirrors the original mentatsync prototype's
// _QueueWithMaxBacklog/QueuePoolWithMaxBacklog: a bounded waiter queue
// that fails fast with a backend error once full, rather than blocking
// an unbounded number of goroutines forever.
package pool

import (
	"context"
	"errors"
)

// ErrBacklogFull is returned when the waiter backlog is already at
// capacity; the caller should surface this as a backend error.
var ErrBacklogFull = errors.New("pool: backlog full, rejecting request")

// Limiter caps concurrent access to a shared resource (here, the
// per-process *badger.DB handle) and the number of goroutines allowed to
// queue up waiting for a slot.
type Limiter struct {
	slots   chan struct{}
	waiters chan struct{}
}

// New creates a Limiter allowing at most maxConcurrent callers to hold a
// slot simultaneously, and at most maxBacklog additional callers to wait
// for one. A maxBacklog of 0 means callers never wait: Acquire fails
// immediately with ErrBacklogFull once all slots are taken.
func New(maxConcurrent, maxBacklog int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		waiters: make(chan struct{}, maxBacklog),
	}
}

// Acquire reserves a slot, blocking until one is free, the backlog is
// full, or ctx is canceled. The returned release func must be called
// exactly once to free the slot.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	default:
	}

	select {
	case l.waiters <- struct{}{}:
	default:
		return nil, ErrBacklogFull
	}
	defer func() { <-l.waiters }()

	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InUse returns the number of slots currently held.
func (l *Limiter) InUse() int {
	return len(l.slots)
}
