// Package lock provides advisory locking so that only one machine drives a
// reconstruction run at a time.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dbsmedya/geomatch/internal/sqlutil"
)

// ErrLockTimeout is returned when lock acquisition times out because
// another instance is holding the lock.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Common timeout values for lock acquisition (in seconds).
const (
	// TimeoutImmediate returns immediately if lock cannot be acquired (no wait).
	TimeoutImmediate = 0

	// TimeoutShort is suitable for fast-failing duplicate run detection.
	TimeoutShort = 1

	// TimeoutMedium provides a reasonable wait for transient conflicts.
	TimeoutMedium = 10

	// TimeoutInfinite waits indefinitely until the lock is acquired.
	TimeoutInfinite = -1
)

// pollInterval is how often backends without a blocking primitive retry.
var pollInterval = 200 * time.Millisecond

// StaleAfter is how long a SQLite lease may be held before another
// instance is allowed to break it.
var StaleAfter = 12 * time.Hour

// AdvisoryLock is a named lock held for the lifetime of a run.
//
// MySQL uses GET_LOCK() and PostgreSQL uses pg_try_advisory_lock(); both are
// session scoped, so the lock pins one connection from the pool until it is
// released. SQLite has no advisory locks and uses a lease row instead.
type AdvisoryLock struct {
	db       *sql.DB
	dialect  sqlutil.Dialect
	lockName string
	owner    string
	conn     *sql.Conn
	held     bool
}

// NewAdvisoryLock creates a new advisory lock with the given name.
// The lock is not acquired until AcquireLock is called.
func NewAdvisoryLock(db *sql.DB, dialect sqlutil.Dialect, lockName string) *AdvisoryLock {
	host, _ := os.Hostname()
	return &AdvisoryLock{
		db:       db,
		dialect:  dialect,
		lockName: lockName,
		owner:    fmt.Sprintf("%s:%d", host, os.Getpid()),
	}
}

// AcquireLock attempts to acquire the advisory lock with the specified timeout.
// Returns true if the lock was acquired, false if timeout was reached.
// Returns an error if the database query fails.
func (a *AdvisoryLock) AcquireLock(ctx context.Context, timeoutSeconds int) (bool, error) {
	if a.held {
		return true, nil // Already holding the lock
	}

	var (
		acquired bool
		err      error
	)
	switch a.dialect {
	case sqlutil.Postgres:
		acquired, err = a.acquirePostgres(ctx, timeoutSeconds)
	case sqlutil.SQLite:
		acquired, err = a.acquireLease(ctx, timeoutSeconds)
	default:
		acquired, err = a.acquireMySQL(ctx, timeoutSeconds)
	}
	if err != nil {
		a.dropConn()
		return false, err
	}
	if !acquired {
		a.dropConn()
		return false, nil
	}
	a.held = true
	return true, nil
}

// acquireMySQL calls GET_LOCK, which returns 1 on success, 0 on timeout and
// NULL on error.
func (a *AdvisoryLock) acquireMySQL(ctx context.Context, timeoutSeconds int) (bool, error) {
	conn, err := a.pin(ctx)
	if err != nil {
		return false, err
	}

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.lockName, timeoutSeconds).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("GET_LOCK returned NULL for lock %q (possible database error)", a.lockName)
	}

	switch result.Int64 {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

func (a *AdvisoryLock) acquirePostgres(ctx context.Context, timeoutSeconds int) (bool, error) {
	conn, err := a.pin(ctx)
	if err != nil {
		return false, err
	}
	return poll(ctx, timeoutSeconds, func() (bool, error) {
		var ok bool
		if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", a.lockName).Scan(&ok); err != nil {
			return false, fmt.Errorf("failed to execute pg_try_advisory_lock: %w", err)
		}
		return ok, nil
	})
}

// leaseTable holds SQLite lease rows.
const leaseTable = "geomatch_lock"

func (a *AdvisoryLock) acquireLease(ctx context.Context, timeoutSeconds int) (bool, error) {
	create := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, owner TEXT NOT NULL, acquired_at INTEGER NOT NULL)",
		leaseTable)
	if _, err := a.db.ExecContext(ctx, create); err != nil {
		return false, fmt.Errorf("failed to create lease table: %w", err)
	}

	return poll(ctx, timeoutSeconds, func() (bool, error) {
		now := time.Now()
		stale := now.Add(-StaleAfter).Unix()
		if _, err := a.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE name = ? AND acquired_at < ?", leaseTable),
			a.lockName, stale); err != nil {
			return false, fmt.Errorf("failed to expire stale lease: %w", err)
		}
		res, err := a.db.ExecContext(ctx,
			fmt.Sprintf("INSERT OR IGNORE INTO %s (name, owner, acquired_at) VALUES (?, ?, ?)", leaseTable),
			a.lockName, a.owner, now.Unix())
		if err != nil {
			return false, fmt.Errorf("failed to insert lease: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to read lease result: %w", err)
		}
		return n == 1, nil
	})
}

// poll retries try until it succeeds or the timeout elapses. A negative
// timeout waits until ctx is done.
func poll(ctx context.Context, timeoutSeconds int, try func() (bool, error)) (bool, error) {
	var deadline time.Time
	if timeoutSeconds >= 0 {
		deadline = time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	}
	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		if timeoutSeconds >= 0 && !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (a *AdvisoryLock) pin(ctx context.Context) (*sql.Conn, error) {
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve lock connection: %w", err)
	}
	a.conn = conn
	return conn, nil
}

func (a *AdvisoryLock) dropConn() {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

// ReleaseLock releases the advisory lock.
// Returns true if the lock was released successfully, false if the lock was not held.
func (a *AdvisoryLock) ReleaseLock(ctx context.Context) (bool, error) {
	if !a.held {
		return false, nil // Not holding the lock
	}
	defer a.dropConn()
	a.held = false

	switch a.dialect {
	case sqlutil.Postgres:
		var ok bool
		if err := a.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(hashtext($1))", a.lockName).Scan(&ok); err != nil {
			return false, fmt.Errorf("failed to execute pg_advisory_unlock: %w", err)
		}
		return ok, nil

	case sqlutil.SQLite:
		res, err := a.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE name = ? AND owner = ?", leaseTable),
			a.lockName, a.owner)
		if err != nil {
			return false, fmt.Errorf("failed to delete lease: %w", err)
		}
		n, _ := res.RowsAffected()
		return n == 1, nil

	default:
		var result sql.NullInt64
		if err := a.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.lockName).Scan(&result); err != nil {
			return false, fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
		}
		if !result.Valid {
			return false, fmt.Errorf("RELEASE_LOCK returned NULL for lock %q (lock did not exist)", a.lockName)
		}
		return result.Int64 == 1, nil
	}
}

// IsHeld returns true if this lock is currently held by this instance.
func (a *AdvisoryLock) IsHeld() bool {
	return a.held
}

// LockName returns the name of the advisory lock.
func (a *AdvisoryLock) LockName() string {
	return a.lockName
}

// TryAcquire attempts to acquire the lock immediately without waiting.
func (a *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	return a.AcquireLock(ctx, TimeoutImmediate)
}

// AcquireOrFail acquires the lock or returns ErrLockTimeout.
func (a *AdvisoryLock) AcquireOrFail(ctx context.Context, timeoutSeconds int) error {
	acquired, err := a.AcquireLock(ctx, timeoutSeconds)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another instance", ErrLockTimeout, a.lockName)
	}
	return nil
}

// GenerateRunLockName creates a consistent lock name for a reconstruction run.
// Lock names follow the format "geomatch:run:{runID}". MySQL limits names to
// 64 characters, so long run ids are truncated from the left.
func GenerateRunLockName(runID string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, runID)

	const prefix = "geomatch:run:"
	if limit := 64 - len(prefix); len(sanitized) > limit {
		sanitized = sanitized[len(sanitized)-limit:]
	}
	return prefix + sanitized
}

// NewRunLock creates a new advisory lock for a specific run.
func NewRunLock(db *sql.DB, dialect sqlutil.Dialect, runID string) *AdvisoryLock {
	return NewAdvisoryLock(db, dialect, GenerateRunLockName(runID))
}

// IsRunActive reports whether another instance holds the run's lock. The
// check is not atomic.
func IsRunActive(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, runID string) (bool, error) {
	l := NewRunLock(db, dialect, runID)

	acquired, err := l.TryAcquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check if run %q is active: %w", runID, err)
	}
	if acquired {
		_, _ = l.ReleaseLock(ctx)
		return false, nil
	}
	return true, nil
}

// WithLock executes fn while holding the lock and releases it however fn
// exits.
func (a *AdvisoryLock) WithLock(ctx context.Context, timeoutSeconds int, fn func() error) error {
	if err := a.AcquireOrFail(ctx, timeoutSeconds); err != nil {
		return err
	}

	defer func() {
		// The run context may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = a.ReleaseLock(releaseCtx)
	}()

	return fn()
}

// WithRunLock executes fn while holding the run's lock.
func WithRunLock(ctx context.Context, db *sql.DB, dialect sqlutil.Dialect, runID string, timeoutSeconds int, fn func() error) error {
	return NewRunLock(db, dialect, runID).WithLock(ctx, timeoutSeconds, fn)
}

// RunLocker guards reconstruction runs with per-run advisory locks.
type RunLocker struct {
	DB             *sql.DB
	Dialect        sqlutil.Dialect
	TimeoutSeconds int
}

// WithRunLock executes fn while holding the lock of runID.
func (l RunLocker) WithRunLock(ctx context.Context, runID string, fn func() error) error {
	return WithRunLock(ctx, l.DB, l.Dialect, runID, l.TimeoutSeconds, fn)
}
