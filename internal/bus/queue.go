package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded, non-blocking hand-off between producers that must
// never stall and a single consumer goroutine.
type Queue[T any] struct {
	ch     chan T
	closed atomic.Bool
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPublish enqueues v without blocking.
func (q *Queue[T]) TryPublish(v T) (err error) {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	// Close may race with the check above.
	defer func() {
		if recover() != nil {
			err = ErrQueueClosed
		}
	}()
	select {
	case q.ch <- v:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new items. Buffered items are still
// handed to Run.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

// Run consumes items until the context is done or the queue is closed and
// drained.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			handler(v)
		}
	}
}
