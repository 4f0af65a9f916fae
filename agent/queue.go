package agent

import (
	"context"
	"sync"
	"time"
)

// queue is an unbounded FIFO inbox. Pushes never block; pops wait on a
// one-slot notification channel.
type queue struct {
	mu     sync.Mutex
	items  []*Message
	notify chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, msg)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop returns the oldest message, waiting up to timeout. A non-positive
// timeout makes it non-blocking. ok is false on timeout, cancellation or
// when the queue was closed.
func (q *queue) pop(ctx context.Context, timeout time.Duration) (*Message, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			// Re-arm for the next waiter if more items remain.
			if len(q.items) > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		if deadline == nil {
			return nil, false
		}
		select {
		case <-q.notify:
		case <-deadline:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.notify)
}
