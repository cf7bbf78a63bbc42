package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStorage(sqlx.NewDb(db, "sqlmock"), logger), mock
}

func startedJob(t *testing.T) *domain.Job {
	t.Helper()

	job, err := domain.NewJob("echo", []any{"hi"}, nil)
	require.NoError(t, err)
	job.Origin = "default"
	job.MarkStarted("worker-1", time.Now().UTC())
	return job
}

func TestStorage_EnsureSchema(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS job_runs").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_RecordStart(t *testing.T) {
	s, mock := newMockStorage(t)
	job := startedJob(t)

	mock.ExpectExec("INSERT INTO job_runs").
		WithArgs(job.ID, "default", "echo", "started", "worker-1", job.EnqueuedAt, *job.StartedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordStart(context.Background(), job))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_RecordStartError(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("INSERT INTO job_runs").WillReturnError(errors.New("relation does not exist"))

	err := s.RecordStart(context.Background(), startedJob(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record job start")
}

func TestStorage_RecordOutcome(t *testing.T) {
	tests := []struct {
		name   string
		finish func(job *domain.Job)
		status string
		errMsg string
	}{
		{
			name: "finished with result",
			finish: func(job *domain.Job) {
				job.MarkFinished(json.RawMessage(`{"ok":true}`), time.Now().UTC())
			},
			status: "finished",
		},
		{
			name: "failed with error",
			finish: func(job *domain.Job) {
				job.MarkFailed(errors.New("boom"), time.Now().UTC())
			},
			status: "failed",
			errMsg: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			job := startedJob(t)
			tt.finish(job)

			mock.ExpectExec("UPDATE job_runs").
				WithArgs(tt.status, sqlmock.AnyArg(), tt.errMsg, *job.EndedAt, job.ID).
				WillReturnResult(sqlmock.NewResult(0, 1))

			require.NoError(t, s.RecordOutcome(context.Background(), job))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStorage_UpdateHeartbeat(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec("UPDATE job_runs").
		WithArgs(sqlmock.AnyArg(), "job-1", "started").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateHeartbeat(context.Background(), "job-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_GetRun(t *testing.T) {
	s, mock := newMockStorage(t)
	now := time.Now().UTC()

	columns := []string{
		"job_id", "queue", "func", "status", "worker", "result", "error_message",
		"enqueued_at", "started_at", "ended_at", "last_heartbeat_at",
	}
	mock.ExpectQuery("SELECT (.+) FROM job_runs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("job-1", "default", "echo", "finished", "worker-1", []byte(`[1]`), "", now, now, now, now))

	run, err := s.GetRun(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "finished", run.Status)
	assert.Equal(t, "default", run.Queue)
	assert.True(t, run.EndedAt.Valid)
}

func TestStorage_GetRunNotFound(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery("SELECT (.+) FROM job_runs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
