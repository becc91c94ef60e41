package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryPolicy bounds how a transaction is retried when another process
// holds the database lock.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy covers a concurrent CLI invocation finishing its
// write. busy_timeout already absorbs short waits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, Backoff: 25 * time.Millisecond, MaxBackoff: 400 * time.Millisecond}
}

// SetRetryPolicy replaces the policy used by TransactionWithRetry.
func (db *DB) SetRetryPolicy(p RetryPolicy) {
	db.retry = p
}

// TransactionWithRetry runs fn in a transaction, retrying the whole
// transaction while SQLite reports the database busy or locked. fn must
// be safe to run more than once.
func (db *DB) TransactionWithRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	attempt := 0
	return withRetry(ctx, db.retry, func() error {
		attempt++
		if attempt > 1 {
			db.logger.Debug().Int("attempt", attempt).Msg("retrying busy transaction")
		}
		return db.Transaction(ctx, fn)
	})
}

func withRetry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	backoff := p.Backoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil || !isBusyError(err) || attempt >= p.Attempts {
			return err
		}
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

func sqliteCode(err error) (int, bool) {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code(), true
	}
	return 0, false
}

func isBusyError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		primary := code & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
