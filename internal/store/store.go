// Package store implements the bitemporal position store of spec.md §4.3:
// the transactional primitives both pipelines share for batch lifecycle,
// bitemporal mutation, and as-of reads. It hides SQL from its callers and
// enforces the invariants of spec.md §3.1.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// Store wraps the Postgres connection pool with the position-loader's
// domain operations.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sql.DB (see internal/database.Connect) as a
// Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.DatabaseError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Chain(err, errors.DatabaseError("rollback transaction", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.DatabaseError("commit transaction", err)
	}
	return nil
}

// now is a seam so tests can observe the timestamps the store assigns
// without relying on wall-clock timing.
var now = func() time.Time { return time.Now().UTC() }
