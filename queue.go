package streamrpc

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errQueueFull = errors.New("streamrpc: stream buffer full")

// queue is one direction of a Stream: a FIFO with a close flag and a
// terminal error. Waiters park on changed, which is closed and replaced on
// every state transition, so nobody polls.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	limit  int
	closed bool
	// tail is reported to readers once the buffered items are consumed.
	tail    error
	err     error
	changed chan struct{}
	failed  chan struct{}

	// onPop runs after every item taken by pop. It is set before the queue
	// is shared.
	onPop func()
}

func newQueue[T any](limit int) *queue[T] {
	return &queue[T]{limit: limit, changed: make(chan struct{}), failed: make(chan struct{})}
}

func (q *queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *queue[T]) lenLocked() int { return len(q.items) - q.head }

// offer appends v, or returns the channel to wait on when the queue is
// full.
func (q *queue[T]) offer(v T) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, &abortedError{cause: q.err}
	}
	if q.closed {
		if q.tail != nil {
			return nil, &abortedError{cause: q.tail}
		}
		return nil, ErrStreamClosed
	}
	if q.limit > 0 && q.lenLocked() >= q.limit {
		return q.changed, nil
	}
	q.items = append(q.items, v)
	q.broadcastLocked()
	return nil, nil
}

func (q *queue[T]) push(ctx context.Context, v T) error {
	for {
		wait, err := q.offer(v)
		if err != nil || wait == nil {
			return err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// tryPush appends v without waiting, failing with errQueueFull when the
// queue is at its limit.
func (q *queue[T]) tryPush(v T) error {
	wait, err := q.offer(v)
	if err == nil && wait != nil {
		return errQueueFull
	}
	return err
}

func (q *queue[T]) pop(ctx context.Context, timeout time.Duration) (T, Outcome, error) {
	var zero T
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return zero, OutcomeEndOfStream, &abortedError{cause: err}
		}
		if q.lenLocked() > 0 {
			v := q.items[q.head]
			q.items[q.head] = zero
			q.head++
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			q.broadcastLocked()
			q.mu.Unlock()
			if q.onPop != nil {
				q.onPop()
			}
			return v, OutcomeMessage, nil
		}
		if q.closed {
			tail := q.tail
			q.mu.Unlock()
			if tail != nil {
				return zero, OutcomeEndOfStream, &abortedError{cause: tail}
			}
			return zero, OutcomeEndOfStream, nil
		}
		wait := q.changed
		q.mu.Unlock()
		select {
		case <-wait:
		case <-deadline:
			return zero, OutcomeTimeout, nil
		case <-ctx.Done():
			return zero, OutcomeEndOfStream, context.Cause(ctx)
		}
	}
}

func (q *queue[T]) close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
	q.mu.Unlock()
}

// finish closes the queue so that readers get the buffered items and then
// err. It does nothing once the queue is closed or failed.
func (q *queue[T]) finish(err error) {
	q.mu.Lock()
	if !q.closed && q.err == nil {
		q.closed = true
		q.tail = err
		q.broadcastLocked()
	}
	q.mu.Unlock()
}

func (q *queue[T]) failure() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// fail records err and drops whatever is still buffered.
func (q *queue[T]) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
		q.closed = true
		clear(q.items)
		q.items = nil
		q.head = 0
		q.broadcastLocked()
		close(q.failed)
	}
	q.mu.Unlock()
}
