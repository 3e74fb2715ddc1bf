package store

import (
	"context"
	"time"

	"github.com/quantlayer/position-loader/internal/errors"
	"github.com/quantlayer/position-loader/internal/model"
)

// ParkInDLQ inserts a new PENDING dead-letter entry (spec.md §4.4: "written
// to the DLQ table with topic, key, payload, errorMessage, retryCount=0,
// nextRetryAt=null").
func (s *Store) ParkInDLQ(ctx context.Context, topic, key string, payload []byte, errMsg, errCode string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO dlq_entries (topic, key, payload, error_message, error_code, retry_count, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		RETURNING id
	`, topic, key, payload, errMsg, errCode, model.DlqPending, now())
	if err != nil {
		return 0, errors.DatabaseError("park dlq entry", err)
	}
	return id, nil
}

// ReplayCandidates selects up to limit PENDING entries eligible for replay:
// retryCount < maxRetries and nextRetryAt ≤ now (spec.md §4.4).
func (s *Store) ReplayCandidates(ctx context.Context, maxRetries, limit int) ([]model.DlqEntry, error) {
	var rows []dlqEntryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, topic, key, payload, error_message, error_code, retry_count,
		       next_retry_at, status, created_at, updated_at
		FROM dlq_entries
		WHERE status = $1 AND retry_count < $2 AND (next_retry_at IS NULL OR next_retry_at <= $3)
		ORDER BY created_at
		LIMIT $4
	`, model.DlqPending, maxRetries, now(), limit)
	if err != nil {
		return nil, errors.DatabaseError("select dlq replay candidates", err)
	}
	out := make([]model.DlqEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// MarkReplayScheduled increments retryCount and sets nextRetryAt after a
// republish attempt (spec.md §4.4 "increments retryCount with
// exponential-backoff nextRetryAt").
func (s *Store) MarkReplayScheduled(ctx context.Context, id int64, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries SET retry_count = retry_count + 1, next_retry_at = $1, updated_at = $2
		WHERE id = $3
	`, nextRetryAt, now(), id)
	if err != nil {
		return errors.DatabaseError("mark dlq entry replay scheduled", err)
	}
	return nil
}

// MarkProcessed marks a replayed entry PROCESSED.
func (s *Store) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries SET status = $1, updated_at = $2 WHERE id = $3
	`, model.DlqProcessed, now(), id)
	if err != nil {
		return errors.DatabaseError("mark dlq entry processed", err)
	}
	return nil
}

// MarkFailed marks an entry FAILED after exhausting maxRetries (spec.md
// §4.4: "After maxRetries (default 3), status transitions to FAILED").
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlq_entries SET status = $1, updated_at = $2 WHERE id = $3
	`, model.DlqFailed, now(), id)
	if err != nil {
		return errors.DatabaseError("mark dlq entry failed", err)
	}
	return nil
}

type dlqEntryRow struct {
	ID           int64      `db:"id"`
	Topic        string     `db:"topic"`
	Key          string     `db:"key"`
	Payload      []byte     `db:"payload"`
	ErrorMessage string     `db:"error_message"`
	ErrorCode    string     `db:"error_code"`
	RetryCount   int        `db:"retry_count"`
	NextRetryAt  *time.Time `db:"next_retry_at"`
	Status       string     `db:"status"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r dlqEntryRow) toModel() model.DlqEntry {
	return model.DlqEntry{
		ID:           r.ID,
		Topic:        r.Topic,
		Key:          r.Key,
		Payload:      r.Payload,
		ErrorMessage: r.ErrorMessage,
		ErrorCode:    r.ErrorCode,
		RetryCount:   r.RetryCount,
		NextRetryAt:  r.NextRetryAt,
		Status:       model.DlqStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}
