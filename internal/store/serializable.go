package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/wikiarchive/archiver/internal/retry"
)

const maxTransactionRetries = 10

// ErrMaxRetriesReached is returned by RetryTransaction when every attempt
// hit a serialization failure or lock conflict.
var ErrMaxRetriesReached = errors.Base("max retries reached")

// RetryTransaction runs fn inside a transaction, retrying the whole
// transaction when it fails on a serialization failure (PostgreSQL) or a
// "database is locked" conflict (SQLite). fn must be idempotent up to the
// point of its own commit, since a retried attempt re-executes it from
// scratch.
func RetryTransaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) errors.E) errors.E {
	for attempt := 0; attempt < maxTransactionRetries; attempt++ {
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		errE := runOnce(ctx, db, fn)
		if errE == nil {
			return nil
		}
		if !isTransientStorageError(errE) {
			return errE
		}
	}

	return errors.WithStack(ErrMaxRetriesReached)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) errors.E) (errE errors.E) { //nolint:nonamedreturns
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifyStorageError(err)
	}
	defer func() {
		if errE != nil {
			tx.Rollback() //nolint:errcheck
		}
	}()

	errE = fn(ctx, tx)
	if errE != nil {
		return errE
	}

	if err := tx.Commit(); err != nil {
		return classifyStorageError(err)
	}

	return nil
}

// classifyStorageError wraps a raw database/sql driver error, tagging it
// as a retry.DatabaseLockError when it is a transient lock or
// serialization conflict, so internal/retry's classifier and
// RetryTransaction agree on what is safe to retry.
func classifyStorageError(err error) errors.E {
	if err == nil {
		return nil
	}

	var pgError *pgconn.PgError
	if errors.As(err, &pgError) {
		switch pgError.Code {
		case ErrorCodeSerializationFailure, ErrorCodeDeadlockDetected:
			return errors.WithStack(&retry.DatabaseLockError{Cause: err})
		}
		return WithPgxError(err)
	}

	var sqliteError sqlite3.Error
	if errors.As(err, &sqliteError) {
		if sqliteError.Code == sqlite3.ErrBusy || sqliteError.Code == sqlite3.ErrLocked {
			return errors.WithStack(&retry.DatabaseLockError{Cause: err})
		}
	} else if strings.Contains(err.Error(), "database is locked") {
		return errors.WithStack(&retry.DatabaseLockError{Cause: err})
	}

	return errors.WithStack(err)
}

func isTransientStorageError(err error) bool {
	var lockErr *retry.DatabaseLockError
	return errors.As(err, &lockErr)
}
