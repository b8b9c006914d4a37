package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// WithTx runs fn inside a single database transaction. The transaction is
// committed when fn returns nil and rolled back otherwise; the original error
// comes back unchanged so callers can still distinguish error kinds. The
// transaction is bound to ctx, so a caller deadline aborts and rolls back.
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.Printf("[TX] Rollback failed: %v (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
