package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okian/recalc/internal/adapters/sideaction"
)

type txKey struct{}

// TxFromContext returns the transaction InTx stored in ctx, or nil.
func TxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// querier is what both *sql.DB and *sql.Tx offer.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) q(ctx context.Context) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// InTx runs fn in one transaction carried by the context passed to fn. A
// nested call joins the outer transaction. The transaction rolls back when
// fn returns an error or panics; the panic is re-raised. Side actions
// started inside run once the transaction has ended, so cache readers never
// see uncommitted work.
func (s *SQLStore) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx, held := sideaction.Hold(context.WithValue(ctx, txKey{}, tx))
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		held.Release(ctx)
	}()
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
