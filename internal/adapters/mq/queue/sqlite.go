package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/okian/recalc/pkg/logger"
	"github.com/okian/recalc/pkg/metrics"
)

// insertChunk keeps multi-row inserts under SQLite's bound-variable limit.
const insertChunk = 500

var validName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// SQLiteQueue stores JSON-encoded items in a table named queue_<name>.
// Dequeue selects and deletes in one transaction.
type SQLiteQueue[T any] struct {
	db     *sql.DB
	name   string
	table  string
	opts   options
	closed atomic.Bool
}

// NewSQLiteQueue creates the backing table if needed.
func NewSQLiteQueue[T any](ctx context.Context, db *sql.DB, name string, opts ...Option) (*SQLiteQueue[T], error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("queue name %q: must match %s", name, validName)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	q := &SQLiteQueue[T]{db: db, name: name, table: "queue_" + name, opts: o}
	ddl := `CREATE TABLE IF NOT EXISTS ` + q.table + ` (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		payload    BLOB    NOT NULL,
		created_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create %s: %w", q.table, err)
	}
	if n, err := q.Len(ctx); err == nil {
		metrics.UpdateQueueSize(name, n)
	}
	return q, nil
}

// querier is the part of *sql.Tx the queue uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements Queue.
func (q *SQLiteQueue[T]) Store(ctx context.Context, item T) error {
	return q.StoreRange(ctx, []T{item})
}

// StoreRange implements Queue. Inside a caller transaction the rows commit
// with it; otherwise they commit in a transaction of their own.
func (q *SQLiteQueue[T]) StoreRange(ctx context.Context, items []T) error {
	if q.closed.Load() {
		metrics.RecordQueueEnqueueError(q.name)
		return ErrClosed
	}
	if len(items) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(items))
	for i := range items {
		b, err := json.Marshal(items[i])
		if err != nil {
			metrics.RecordQueueEnqueueError(q.name)
			return fmt.Errorf("encode %s item: %w", q.name, err)
		}
		payloads = append(payloads, b)
	}

	err := q.withTx(ctx, func(ex querier) error {
		if q.opts.capacity > 0 {
			var n int
			if err := ex.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(&n); err != nil {
				return fmt.Errorf("count %s: %w", q.table, err)
			}
			if n+len(items) > q.opts.capacity {
				return ErrFull
			}
		}
		for start := 0; start < len(payloads); start += insertChunk {
			chunk := payloads[start:min(start+insertChunk, len(payloads))]
			insert := `INSERT INTO ` + q.table + ` (payload) VALUES ` +
				strings.TrimSuffix(strings.Repeat("(?),", len(chunk)), ",")
			args := make([]any, len(chunk))
			for i, p := range chunk {
				args[i] = p
			}
			if _, err := ex.ExecContext(ctx, insert, args...); err != nil {
				return fmt.Errorf("insert into %s: %w", q.table, err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.RecordQueueEnqueueError(q.name)
		return err
	}
	metrics.RecordQueueEnqueue(q.name, len(items))
	return nil
}

func (q *SQLiteQueue[T]) withTx(ctx context.Context, fn func(ex querier) error) error {
	if q.opts.txFromCtx != nil {
		if tx := q.opts.txFromCtx(ctx); tx != nil {
			return fn(tx)
		}
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", q.table, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", q.table, err)
	}
	return nil
}

// Dequeue implements Queue. Rows that no longer decode are logged and
// dropped so they cannot block the queue.
func (q *SQLiteQueue[T]) Dequeue(ctx context.Context) ([]T, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	out := make([]T, 0)
	err := q.withTx(ctx, func(ex querier) error {
		rows, err := ex.QueryContext(ctx, `SELECT id, payload FROM `+q.table+` ORDER BY id LIMIT ?`, q.opts.batchSize)
		if err != nil {
			return fmt.Errorf("select from %s: %w", q.table, err)
		}
		defer rows.Close()

		var maxID int64
		for rows.Next() {
			var (
				id      int64
				payload []byte
			)
			if err := rows.Scan(&id, &payload); err != nil {
				return fmt.Errorf("scan %s: %w", q.table, err)
			}
			maxID = id
			var item T
			if err := json.Unmarshal(payload, &item); err != nil {
				q.opts.logger.Warn(ctx, "dropping undecodable queue item",
					logger.String("queue", q.name),
					logger.Int64("id", id),
					logger.Error(err),
				)
				continue
			}
			out = append(out, item)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate %s: %w", q.table, err)
		}
		if maxID == 0 {
			return nil
		}
		// Ids only grow, so everything up to maxID is exactly what was read.
		if _, err := ex.ExecContext(ctx, `DELETE FROM `+q.table+` WHERE id <= ?`, maxID); err != nil {
			return fmt.Errorf("delete from %s: %w", q.table, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordQueueDequeue(q.name, len(out))
	if n, err := q.Len(ctx); err == nil {
		metrics.UpdateQueueSize(q.name, n)
	}
	return out, nil
}

// Len implements Queue.
func (q *SQLiteQueue[T]) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+q.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.table, err)
	}
	return n, nil
}

// Close implements Queue. The database handle belongs to the caller.
func (q *SQLiteQueue[T]) Close() error {
	q.closed.Store(true)
	return nil
}
