package queue

import (
	"context"
	"database/sql"

	"github.com/okian/recalc/pkg/logger"
)

// DefaultBatchSize caps how many items one Dequeue returns.
const DefaultBatchSize = 10_000

type options struct {
	capacity  int
	batchSize int
	logger    logger.Logger
	txFromCtx func(ctx context.Context) *sql.Tx
}

func defaultOptions() options {
	return options{batchSize: DefaultBatchSize, logger: logger.Nop()}
}

// Option configures a queue.
type Option func(*options)

// WithCapacity bounds the number of pending items. Zero means unbounded.
func WithCapacity(capacity int) Option {
	return func(o *options) {
		if capacity >= 0 {
			o.capacity = capacity
		}
	}
}

// WithBatchSize sets the maximum items one Dequeue returns.
func WithBatchSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTxFromContext lets the SQLite queue join a transaction carried by the
// caller's context, so a store commits or rolls back with the caller's work.
func WithTxFromContext(fn func(ctx context.Context) *sql.Tx) Option {
	return func(o *options) {
		o.txFromCtx = fn
	}
}
