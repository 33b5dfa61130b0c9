package queue

import (
	"context"
	"sync"

	"github.com/okian/recalc/pkg/metrics"
)

// InMemoryQueue is a mutex-guarded FIFO slice.
type InMemoryQueue[T any] struct {
	name string
	opts options

	mu     sync.Mutex
	items  []T
	closed bool
}

// NewInMemoryQueue creates an empty in-memory queue. name labels metrics.
func NewInMemoryQueue[T any](name string, opts ...Option) *InMemoryQueue[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	metrics.UpdateQueueSize(name, 0)
	return &InMemoryQueue[T]{name: name, opts: o}
}

// Store implements Queue.
func (q *InMemoryQueue[T]) Store(ctx context.Context, item T) error {
	return q.StoreRange(ctx, []T{item})
}

// StoreRange implements Queue.
func (q *InMemoryQueue[T]) StoreRange(_ context.Context, items []T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		metrics.RecordQueueEnqueueError(q.name)
		return ErrClosed
	}
	if q.opts.capacity > 0 && len(q.items)+len(items) > q.opts.capacity {
		metrics.RecordQueueEnqueueError(q.name)
		return ErrFull
	}
	q.items = append(q.items, items...)
	metrics.RecordQueueEnqueue(q.name, len(items))
	metrics.UpdateQueueSize(q.name, len(q.items))
	return nil
}

// Dequeue implements Queue.
func (q *InMemoryQueue[T]) Dequeue(_ context.Context) ([]T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	n := min(len(q.items), q.opts.batchSize)
	out := make([]T, n)
	copy(out, q.items[:n])

	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}

	metrics.RecordQueueDequeue(q.name, n)
	metrics.UpdateQueueSize(q.name, len(q.items))
	return out, nil
}

// Len implements Queue.
func (q *InMemoryQueue[T]) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close implements Queue.
func (q *InMemoryQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}
