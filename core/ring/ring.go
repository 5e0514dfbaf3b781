// Package ring provides the bounded byte queues that connect the UART, the
// frame demultiplexer and the transport.
//
// A Queue is a fixed-capacity FIFO backed by a buffered channel. It is
// allocated once and never grows, so the hot path performs no allocation.
// Each queue in this module has one producer and one consumer.
package ring

import (
	"context"
	"errors"
	"time"
)

// ErrCapacity is returned when a queue is requested with a non-positive capacity.
var ErrCapacity = errors.New("queue capacity must be positive")

// Queue is a bounded FIFO of bytes.
type Queue struct {
	ch chan byte
}

// New allocates a queue that holds at most capacity bytes.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, ErrCapacity
	}
	return &Queue{ch: make(chan byte, capacity)}, nil
}

// TryPut enqueues b without blocking. It returns false if the queue is full.
func (q *Queue) TryPut(b byte) bool {
	select {
	case q.ch <- b:
		return true
	default:
		return false
	}
}

// PutTimeout enqueues b, waiting up to timeout for space.
// A zero timeout behaves like TryPut.
func (q *Queue) PutTimeout(b byte, timeout time.Duration) bool {
	if q.TryPut(b) {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q.ch <- b:
		return true
	case <-timer.C:
		return false
	}
}

// Put enqueues b, blocking until there is space or ctx is done.
func (q *Queue) Put(ctx context.Context, b byte) error {
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues one byte, waiting up to timeout for one to arrive.
// A zero timeout polls without blocking.
func (q *Queue) Get(timeout time.Duration) (byte, bool) {
	select {
	case b := <-q.ch:
		return b, true
	default:
	}
	if timeout <= 0 {
		return 0, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-q.ch:
		return b, true
	case <-timer.C:
		return 0, false
	}
}

// GetContext dequeues one byte, blocking until one arrives or ctx is done.
func (q *Queue) GetContext(ctx context.Context) (byte, error) {
	select {
	case b := <-q.ch:
		return b, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Drain discards everything currently queued and returns how many bytes
// were dropped.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the fixed capacity of the queue.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
