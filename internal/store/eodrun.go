package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// StartEodRun records the start of an EOD pipeline execution for
// (accountId, businessDate), the "record run start" step of spec.md §4.1
// step 3.
func (s *Store) StartEodRun(ctx context.Context, accountID int64, businessDate time.Time) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO eod_runs (account_id, business_date, status, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, accountID, businessDate, model.EodRunRunning, now())
	if err != nil {
		return 0, errors.DatabaseError("start eod run", err)
	}
	return id, nil
}

// CompleteEodRun marks runID COMPLETED (or COMPLETED_NOOP when the run was
// short-circuited by duplicate detection, spec.md §4.1 step 6) and records
// the batchID it produced, if any.
func (s *Store) CompleteEodRun(ctx context.Context, runID int64, status model.EodRunStatus, batchID *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE eod_runs SET status = $1, batch_id = $2, completed_at = $3
		WHERE id = $4
	`, status, batchID, now(), runID)
	if err != nil {
		return errors.DatabaseError("complete eod run", err)
	}
	return nil
}

// FailEodRun marks runID FAILED with an error message (spec.md §4.1
// "Failure transitions").
func (s *Store) FailEodRun(ctx context.Context, runID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE eod_runs SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4
	`, model.EodRunFailed, errMsg, now(), runID)
	if err != nil {
		return errors.DatabaseError("fail eod run", err)
	}
	return nil
}

// GetEodRun fetches a single EodRun by ID.
func (s *Store) GetEodRun(ctx context.Context, runID int64) (model.EodRun, bool, error) {
	var row eodRunRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id AS run_id, account_id, business_date, batch_id, status,
		       COALESCE(error_message, '') AS error_message, started_at, completed_at
		FROM eod_runs WHERE id = $1
	`, runID)
	if err == sql.ErrNoRows {
		return model.EodRun{}, false, nil
	}
	if err != nil {
		return model.EodRun{}, false, errors.DatabaseError("get eod run", err)
	}
	return row.toModel(), true, nil
}

type eodRunRow struct {
	RunID        int64         `db:"run_id"`
	AccountID    int64         `db:"account_id"`
	BusinessDate time.Time     `db:"business_date"`
	BatchID      sql.NullInt64 `db:"batch_id"`
	Status       string        `db:"status"`
	ErrorMessage string        `db:"error_message"`
	StartedAt    time.Time     `db:"started_at"`
	CompletedAt  sql.NullTime  `db:"completed_at"`
}

func (r eodRunRow) toModel() model.EodRun {
	run := model.EodRun{
		ID:           r.RunID,
		AccountID:    r.AccountID,
		BusinessDate: r.BusinessDate,
		Status:       model.EodRunStatus(r.Status),
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt,
	}
	if r.BatchID.Valid {
		run.BatchID = &r.BatchID.Int64
	}
	if r.CompletedAt.Valid {
		run.CompletedAt = &r.CompletedAt.Time
	}
	return run
}
