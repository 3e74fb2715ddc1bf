package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/quantlayer/position-loader/internal/model"
)

func TestParkInDLQ(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO dlq_entries").
		WithArgs("INTRADAY", "1001", []byte(`{}`), "upstream timeout", "transient", model.DlqPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	id, err := s.ParkInDLQ(context.Background(), "INTRADAY", "1001", []byte(`{}`), "upstream timeout", "transient")
	require.NoError(t, err)
	require.Equal(t, int64(3), id)
}

func TestReplayCandidates(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{
		"id", "topic", "key", "payload", "error_message", "error_code", "retry_count",
		"next_retry_at", "status", "created_at", "updated_at",
	}).AddRow(int64(1), "INTRADAY", "1001", []byte(`{}`), "boom", "transient", 0, nil, "PENDING", time.Now(), time.Now())
	mock.ExpectQuery("SELECT id, topic, key, payload").
		WithArgs(model.DlqPending, 3, sqlmock.AnyArg(), 50).
		WillReturnRows(rows)

	entries, err := s.ReplayCandidates(context.Background(), 3, 50)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "INTRADAY", entries[0].Topic)
}

func TestMarkReplayScheduled(t *testing.T) {
	s, mock := newMockStore(t)
	next := time.Now().Add(time.Minute)
	mock.ExpectExec("UPDATE dlq_entries SET retry_count").
		WithArgs(next, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkReplayScheduled(context.Background(), 1, next)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE dlq_entries SET status").
		WithArgs(model.DlqProcessed, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkProcessed(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE dlq_entries SET status").
		WithArgs(model.DlqFailed, sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkFailed(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
