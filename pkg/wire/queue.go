package wire

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("wire: queue closed")

// Queue is an unbounded multi-producer single-consumer FIFO.
//
// Push never blocks, so holders of other locks may enqueue safely.
type Queue[T any] struct {
	lk     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
	}
}

// Push appends item, it reports false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.lk.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available, the queue is closed or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (item T, err error) {
	for {
		q.lk.Lock()
		if q.closed {
			q.lk.Unlock()
			return item, ErrQueueClosed
		}
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.lk.Unlock()
			return item, nil
		}
		q.lk.Unlock()

		select {
		case <-ctx.Done():
			return item, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len is the number of queued items.
func (q *Queue[T]) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.items)
}

// Close drops pending items and returns them so the caller can fail them.
func (q *Queue[T]) Close() []T {
	q.lk.Lock()
	if q.closed {
		q.lk.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.items
	q.items = nil
	q.lk.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}
