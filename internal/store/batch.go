package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// CreateBatch allocates the next batchId for accountId and inserts a new
// STAGING AccountBatch row (spec.md §4.3 createBatch, §4.1 step 7).
func (s *Store) CreateBatch(ctx context.Context, accountID int64, businessDate time.Time, source string) (int64, error) {
	var batchID int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var maxID sql.NullInt64
		if err := tx.GetContext(ctx, &maxID,
			`SELECT MAX(batch_id) FROM account_batches WHERE account_id = $1`, accountID); err != nil {
			return errors.DatabaseError("read max batch id", err)
		}
		batchID = maxID.Int64 + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_batches (account_id, batch_id, business_date, status, source, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, accountID, batchID, businessDate, model.BatchStaging, source, now())
		if err != nil {
			return errors.DatabaseError("insert staging batch", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return batchID, nil
}

// PromoteBatch archives the current ACTIVE batch for (accountId,
// businessDate) and activates batchID, in one transaction, preserving the
// at-most-one-ACTIVE invariant (spec.md §4.3 promoteBatch, §4.1 step 10).
func (s *Store) PromoteBatch(ctx context.Context, accountID int64, businessDate time.Time, batchID int64, positionCount int) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		t := now()
		_, err := tx.ExecContext(ctx, `
			UPDATE account_batches SET status = $1, archived_at = $2
			WHERE account_id = $3 AND business_date = $4 AND status = $5
		`, model.BatchArchived, t, accountID, businessDate, model.BatchActive)
		if err != nil {
			return errors.DatabaseError("archive current active batch", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE account_batches SET status = $1, activated_at = $2, position_count = $3
			WHERE account_id = $4 AND batch_id = $5
		`, model.BatchActive, t, positionCount, accountID, batchID)
		if err != nil {
			return errors.DatabaseError("activate staging batch", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.FailedToWithDetails("activate staging batch", "store", "batch not found", nil)
		}
		return nil
	})
}

// FailBatch marks a STAGING batch FAILED with an error message, leaving any
// prior ACTIVE batch untouched (spec.md §4.1 "Failure transitions").
func (s *Store) FailBatch(ctx context.Context, accountID, batchID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE account_batches SET status = $1, error_message = $2
		WHERE account_id = $3 AND batch_id = $4
	`, model.BatchFailed, errMsg, accountID, batchID)
	if err != nil {
		return errors.DatabaseError("mark batch failed", err)
	}
	return nil
}

// RollbackBatch reverts the most recent promotion for (accountId,
// businessDate): the current ACTIVE batch becomes ROLLED_BACK and the
// most-recently ARCHIVED batch becomes ACTIVE. Returns false if there is no
// archived predecessor (spec.md §4.3 rollbackBatch, §4.1 "Rollback").
func (s *Store) RollbackBatch(ctx context.Context, accountID int64, businessDate time.Time) (bool, error) {
	var reverted bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var activeBatchID sql.NullInt64
		err := tx.GetContext(ctx, &activeBatchID, `
			SELECT batch_id FROM account_batches
			WHERE account_id = $1 AND business_date = $2 AND status = $3
		`, accountID, businessDate, model.BatchActive)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.DatabaseError("find active batch", err)
		}

		var predecessorID sql.NullInt64
		err = tx.GetContext(ctx, &predecessorID, `
			SELECT batch_id FROM account_batches
			WHERE account_id = $1 AND business_date = $2 AND status = $3
			ORDER BY archived_at DESC LIMIT 1
		`, accountID, businessDate, model.BatchArchived)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return errors.DatabaseError("find archived predecessor", err)
		}

		t := now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE account_batches SET status = $1 WHERE account_id = $2 AND batch_id = $3
		`, model.BatchRolledBack, accountID, activeBatchID.Int64); err != nil {
			return errors.DatabaseError("mark batch rolled back", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE account_batches SET status = $1, activated_at = $2
			WHERE account_id = $3 AND batch_id = $4
		`, model.BatchActive, t, accountID, predecessorID.Int64); err != nil {
			return errors.DatabaseError("reactivate archived batch", err)
		}
		reverted = true
		return nil
	})
	return reverted, err
}

// ActiveBatchID returns the current ACTIVE batchId for (accountId,
// businessDate), or (0, false, nil) if none exists.
func (s *Store) ActiveBatchID(ctx context.Context, accountID int64, businessDate time.Time) (int64, bool, error) {
	var batchID int64
	err := s.db.GetContext(ctx, &batchID, `
		SELECT batch_id FROM account_batches
		WHERE account_id = $1 AND business_date = $2 AND status = $3
	`, accountID, businessDate, model.BatchActive)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.DatabaseError("find active batch", err)
	}
	return batchID, true, nil
}

// ActiveBatchForAccount returns the current ACTIVE batch for an account
// regardless of business date (used by the intraday pipeline, spec.md
// §4.2 step 6 "Locate ACTIVE batch").
func (s *Store) ActiveBatchForAccount(ctx context.Context, accountID int64) (model.AccountBatch, bool, error) {
	var row accountBatchRow
	err := s.db.GetContext(ctx, &row, `
		SELECT account_id, batch_id, business_date, status, position_count, source,
		       COALESCE(error_message, '') AS error_message, created_at, activated_at, archived_at
		FROM account_batches
		WHERE account_id = $1 AND status = $2
		ORDER BY batch_id DESC LIMIT 1
	`, accountID, model.BatchActive)
	if err == sql.ErrNoRows {
		return model.AccountBatch{}, false, nil
	}
	if err != nil {
		return model.AccountBatch{}, false, errors.DatabaseError("find active batch for account", err)
	}
	return row.toModel(), true, nil
}

type accountBatchRow struct {
	AccountID     int64          `db:"account_id"`
	BatchID       int64          `db:"batch_id"`
	BusinessDate  time.Time      `db:"business_date"`
	Status        string         `db:"status"`
	PositionCount int            `db:"position_count"`
	Source        string         `db:"source"`
	ErrorMessage  string         `db:"error_message"`
	CreatedAt     time.Time      `db:"created_at"`
	ActivatedAt   sql.NullTime   `db:"activated_at"`
	ArchivedAt    sql.NullTime   `db:"archived_at"`
}

func (r accountBatchRow) toModel() model.AccountBatch {
	b := model.AccountBatch{
		AccountID:     r.AccountID,
		BatchID:       r.BatchID,
		BusinessDate:  r.BusinessDate,
		Status:        model.BatchStatus(r.Status),
		PositionCount: r.PositionCount,
		Source:        r.Source,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt,
	}
	if r.ActivatedAt.Valid {
		b.ActivatedAt = &r.ActivatedAt.Time
	}
	if r.ArchivedAt.Valid {
		b.ArchivedAt = &r.ArchivedAt.Time
	}
	return b
}
