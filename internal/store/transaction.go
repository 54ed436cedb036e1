package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phrazzld/taskforge/internal/platform/logger"
)

// TxBeginner is satisfied by *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RunInTransaction runs fn in a transaction that commits when fn returns nil
// and rolls back otherwise. Errors from fn are returned unchanged so callers
// can still match store sentinels. A panic in fn rolls back and re-panics.
func RunInTransaction(ctx context.Context, db TxBeginner, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	log := logger.FromContext(ctx)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTransactionFailed, err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("transaction rollback failed", "error", rbErr, "cause", err)
		}
		if p := recover(); p != nil {
			log.Error("transaction rolled back after panic", "panic", p)
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		log.Debug("transaction rolled back", "error", err)
		return err
	}

	err = tx.Commit()
	done = true
	if err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}
	return nil
}
