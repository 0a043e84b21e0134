// SPDX-License-Identifier: Apache-2.0

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cloudflare/backoff"
	"github.com/lib/pq"
)

const (
	lockNotAvailableErrorCode pq.ErrorCode = "55P03"
	maxBackoffDuration                     = 1 * time.Minute
	backoffInterval                        = 1 * time.Second
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error
	Close() error
}

// LockTimeoutError reports that a statement stopped retrying because its
// context was cancelled or its deadline passed while PostgreSQL's
// lock_timeout kept raising 55P03 against it; the retry loop has no
// attempt limit of its own. Op names the RDB method that gave up so callers and logs can
// tell a drained retry loop apart from an ordinary query failure.
type LockTimeoutError struct {
	Op    string
	Tries int
	Err   error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("pgsync: %s gave up after %d lock retries: %v", e.Op, e.Tries, e.Err)
}

func (e *LockTimeoutError) Unwrap() error {
	return e.Err
}

// RDB wraps a *sql.DB and retries queries using an exponential backoff (with
// jitter) on lock_timeout errors. Logger is optional; when set, each retry
// is reported at debug level so a stuck migration is visible without
// needing to reproduce it under a debugger.
type RDB struct {
	DB     *sql.DB
	Logger *log.Logger
}

// ExecContext wraps sql.DB.ExecContext, retrying queries on lock_timeout errors.
func (r *RDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	tries := 0

	for {
		res, err := r.DB.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}

		if !r.isLockTimeout(err) {
			return nil, err
		}
		tries++
		r.logRetry("ExecContext", tries, query)

		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return nil, &LockTimeoutError{Op: "ExecContext", Tries: tries, Err: err}
		}
	}
}

// QueryContext wraps sql.DB.QueryContext, retrying queries on lock_timeout errors.
func (r *RDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	tries := 0

	for {
		rows, err := r.DB.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}

		if !r.isLockTimeout(err) {
			return nil, err
		}
		tries++
		r.logRetry("QueryContext", tries, query)

		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return nil, &LockTimeoutError{Op: "QueryContext", Tries: tries, Err: err}
		}
	}
}

// WithRetryableTransaction runs `f` in a transaction, retrying on lock_timeout errors.
func (r *RDB) WithRetryableTransaction(ctx context.Context, f func(context.Context, *sql.Tx) error) error {
	b := backoff.New(maxBackoffDuration, backoffInterval)
	tries := 0

	for {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		err = f(ctx, tx)
		if err == nil {
			return tx.Commit()
		}

		if errRollback := tx.Rollback(); errRollback != nil {
			return errRollback
		}

		if !r.isLockTimeout(err) {
			return err
		}
		tries++
		r.logRetry("WithRetryableTransaction", tries, "")

		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return &LockTimeoutError{Op: "WithRetryableTransaction", Tries: tries, Err: err}
		}
	}
}

func (r *RDB) Close() error {
	return r.DB.Close()
}

func (r *RDB) isLockTimeout(err error) bool {
	pqErr := &pq.Error{}
	return errors.As(err, &pqErr) && pqErr.Code == lockNotAvailableErrorCode
}

func (r *RDB) logRetry(op string, tries int, query string) {
	if r.Logger == nil {
		return
	}
	r.Logger.Debug("retrying after lock_timeout", "op", op, "attempt", tries, "query", query)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ScanFirstValue is a helper function to scan the first value with the assumption that Rows contains
// a single row with a single value.
func ScanFirstValue[T any](rows *sql.Rows, dest *T) error {
	if rows.Next() {
		if err := rows.Scan(dest); err != nil {
			return err
		}
	}
	return rows.Err()
}
