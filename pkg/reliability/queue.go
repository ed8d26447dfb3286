package reliability

import (
	"fmt"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// BoundedQueue is a FIFO with a fixed capacity and an explicit drop policy.
// It never grows past capacity and never blocks.
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	policy   contracts.DropPolicy
	ready    chan struct{}
}

// NewBoundedQueue creates a queue.
func NewBoundedQueue[T any](capacity int, policy contracts.DropPolicy) (*BoundedQueue[T], error) {
	if capacity < 1 {
		return nil, &contracts.ConfigurationError{Field: "queue.capacity", Err: fmt.Errorf("must be at least 1, got %d", capacity)}
	}
	if !policy.Known() {
		return nil, &contracts.ConfigurationError{Field: "queue.drop_policy", Err: fmt.Errorf("unknown policy %q", policy)}
	}
	return &BoundedQueue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
	}, nil
}

// Offer enqueues item. When the queue is full the policy decides:
// reject_new returns contracts.ErrQueueFull and keeps the queue as is;
// drop_oldest evicts the head and enqueues item; drop_newest evicts the most
// recently queued item and enqueues item. dropped reports an evicted item.
func (q *BoundedQueue[T]) Offer(item T) (dropped T, didDrop bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		switch q.policy {
		case contracts.DropRejectNew:
			return dropped, false, fmt.Errorf("queue at capacity %d: %w", q.capacity, contracts.ErrQueueFull)
		case contracts.DropOldest:
			dropped = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
		case contracts.DropNewest:
			last := len(q.items) - 1
			dropped = q.items[last]
			q.items = q.items[:last]
		}
		didDrop = true
	}
	q.items = append(q.items, item)
	q.signal()
	return dropped, didDrop, nil
}

// Poll dequeues the head, if any.
func (q *BoundedQueue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item, true
}

// Len returns the number of queued items.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured capacity.
func (q *BoundedQueue[T]) Capacity() int { return q.capacity }

// Policy returns the drop policy.
func (q *BoundedQueue[T]) Policy() contracts.DropPolicy { return q.policy }

// Ready is signalled whenever the queue becomes non-empty.
func (q *BoundedQueue[T]) Ready() <-chan struct{} { return q.ready }

func (q *BoundedQueue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
