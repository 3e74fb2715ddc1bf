// Package lock implements the table-backed distributed lock the pipelines
// and the DLQ replayer use for mutual exclusion (spec.md §4.4).
package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// DefaultLeaseDuration is the default `lockAtMostFor` lease, per spec.md
// §4.4.
const DefaultLeaseDuration = 10 * time.Minute

// ErrNotHeld is returned by Release when the caller is not (or is no
// longer) the lock's owner — its lease may have expired and been seized.
var ErrNotHeld = errors.Classify(errors.KindConsistency, "release lock", "lock", "", nil)

// Locker acquires and releases named distributed locks backed by a
// Postgres table.
type Locker struct {
	db    *sqlx.DB
	lease time.Duration
}

// New builds a Locker using the default lease duration.
func New(db *sqlx.DB) *Locker {
	return &Locker{db: db, lease: DefaultLeaseDuration}
}

// NewWithLease builds a Locker with an explicit lease duration.
func NewWithLease(db *sqlx.DB, lease time.Duration) *Locker {
	return &Locker{db: db, lease: lease}
}

// Handle represents one successfully acquired lease. Release gives it up
// early; otherwise it expires on its own after the lease duration.
type Handle struct {
	name    string
	ownerID string
}

// Name is the locked resource name, e.g. "eod:1001".
func (h Handle) Name() string { return h.name }

// TryAcquire attempts a single non-blocking acquisition of name on behalf
// of ownerID. It returns (handle, true, nil) on success, (zero, false, nil)
// if currently held by someone else, or an error on infrastructure failure.
func (l *Locker) TryAcquire(ctx context.Context, name, ownerID string) (Handle, bool, error) {
	now := time.Now().UTC()
	until := now.Add(l.lease)

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO distributed_locks (name, owner_id, locked_at, lock_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
			SET owner_id = EXCLUDED.owner_id,
			    locked_at = EXCLUDED.locked_at,
			    lock_until = EXCLUDED.lock_until
			WHERE distributed_locks.lock_until <= $3
	`, name, ownerID, now, until)
	if err != nil {
		return Handle{}, false, errors.DatabaseError("acquire lock "+name, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Handle{}, false, errors.DatabaseError("acquire lock "+name, err)
	}
	if n == 0 {
		return Handle{}, false, nil
	}
	return Handle{name: name, ownerID: ownerID}, true, nil
}

// Acquire polls TryAcquire until it succeeds or ctx is done, sleeping
// pollInterval between attempts. Use a bounded context to implement
// spec.md §4.1 step 2's "fail-fast if unavailable within a bounded wait".
func (l *Locker) Acquire(ctx context.Context, name, ownerID string, pollInterval time.Duration) (Handle, error) {
	for {
		h, ok, err := l.TryAcquire(ctx, name, ownerID)
		if err != nil {
			return Handle{}, err
		}
		if ok {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return Handle{}, errors.Classify(errors.KindTransient, "acquire lock", "lock", name, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Release deletes the lock row, but only if h is still the current owner.
// ErrNotHeld indicates the lease expired and another owner seized it —
// per spec.md §4.4, the caller must treat its in-flight work as aborted.
func (l *Locker) Release(ctx context.Context, h Handle) error {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM distributed_locks WHERE name = $1 AND owner_id = $2
	`, h.name, h.ownerID)
	if err != nil {
		return errors.DatabaseError("release lock "+h.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.DatabaseError("release lock "+h.name, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Lookup returns the current lock row for name, or (zero, false, nil) if
// unheld (expired rows are still returned; callers compare LockUntil).
func (l *Locker) Lookup(ctx context.Context, name string) (model.DistributedLock, bool, error) {
	var row model.DistributedLock
	err := l.db.GetContext(ctx, &row, `
		SELECT name, owner_id, locked_at, lock_until FROM distributed_locks WHERE name = $1
	`, name)
	if err == sql.ErrNoRows {
		return model.DistributedLock{}, false, nil
	}
	if err != nil {
		return model.DistributedLock{}, false, errors.DatabaseError("lookup lock "+name, err)
	}
	return row, true, nil
}
