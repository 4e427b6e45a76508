// Package repository holds the pgx-backed stores. Credit mutations run as
// SERIALIZABLE transactions here; nothing outside this package touches
// credit columns.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/subculture-collective/agentrun/pkg/database"
)

// serializationRetries bounds retry attempts on serialization conflicts.
const serializationRetries = 3

// inSerializableTx runs fn inside a SERIALIZABLE transaction, retrying with
// exponential backoff when Postgres aborts the transaction to preserve
// isolation (40001) or breaks a deadlock (40P01).
func inSerializableTx(ctx context.Context, db *database.DB, fn func(tx pgx.Tx) error) error {
	op := func() error {
		tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("begin tx: %w", err))
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if err := fn(tx); err != nil {
			if isSerializationFailure(err) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		if err := tx.Commit(ctx); err != nil {
			if isSerializationFailure(err) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("commit tx: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(20*time.Millisecond),
			backoff.WithMaxInterval(250*time.Millisecond),
		), serializationRetries),
		ctx,
	)
	return backoff.Retry(op, bo)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// errNoRows normalises pgx.ErrNoRows checks.
func errNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
