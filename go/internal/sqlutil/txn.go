package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
)

// Run executes fn inside a transaction. The transaction commits when fn
// returns nil and rolls back on an error or panic. Errors from fn are
// returned unwrapped so callers can match their own sentinels.
func Run(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return RunWithOptions(ctx, db, nil, fn)
}

// RunWithOptions is Run with explicit isolation or read-only options.
func RunWithOptions(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
