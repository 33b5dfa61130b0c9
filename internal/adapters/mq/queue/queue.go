// Package queue holds pending activities and contact changes until the
// background worker drains them.
//
// Two backends exist: an in-memory queue for tests and single-process
// deployments, and a SQLite queue that survives restarts.
package queue

import (
	"context"
)

// Names of the two pending queues, used as table suffixes and metric labels.
const (
	NameActivities     = "activities"
	NameContactChanges = "contact_changes"
)

// Queue stores items and hands them out oldest first.
type Queue[T any] interface {
	// Store appends one item.
	Store(ctx context.Context, item T) error

	// StoreRange appends items in order, all or none.
	StoreRange(ctx context.Context, items []T) error

	// Dequeue removes and returns up to the batch size of the oldest items.
	// An empty queue yields an empty, non-nil slice. On error nothing is
	// removed.
	Dequeue(ctx context.Context) ([]T, error)

	// Len returns the number of pending items.
	Len(ctx context.Context) (int, error)

	// Close releases resources. Further calls fail with ErrClosed.
	Close() error
}
