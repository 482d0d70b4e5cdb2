package events

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO. Put never blocks; Get waits for an item
// or for ctx to end.
type Queue struct {
	mu     sync.Mutex
	items  []Payload
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Put appends p.
func (q *Queue) Put(p Payload) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryGet removes and returns the oldest item, or false if empty.
func (q *Queue) TryGet() (Payload, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Leave a wakeup for the next waiter.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return p, true
}

// Get blocks until an item is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (Payload, error) {
	for {
		if p, ok := q.TryGet(); ok {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
