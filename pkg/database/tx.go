package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// RetryPolicy bounds how often a serializable transaction is re-run after
// PostgreSQL aborts it with a serialization failure or deadlock.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// Serializable runs fn in a SERIALIZABLE transaction. When the transaction
// is aborted by a serialization failure or a deadlock it is retried with
// linear backoff; once retries are exhausted the caller gets a Contention
// error. Errors returned by fn itself are passed through untouched, so fn
// must be safe to re-run from scratch.
func (db *DB) Serializable(ctx context.Context, policy RetryPolicy, fn func(*sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if db.logger != nil {
				db.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("retrying serializable transaction")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * policy.Backoff):
			}
		}

		lastErr = db.runSerializable(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			if IsConnectionError(lastErr) {
				return errors.Unavailable(lastErr)
			}
			return lastErr
		}
	}
	return errors.Contention(lastErr)
}

func (db *DB) runSerializable(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		db.rollback(tx)
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
