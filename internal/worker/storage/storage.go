package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Schema creates the job-run ledger
const Schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_id            TEXT PRIMARY KEY,
	queue             TEXT NOT NULL,
	func              TEXT NOT NULL,
	status            TEXT NOT NULL,
	worker            TEXT NOT NULL DEFAULT '',
	result            JSONB,
	error_message     TEXT NOT NULL DEFAULT '',
	enqueued_at       TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	ended_at          TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ
)`

// Run is one row of the ledger
type Run struct {
	JobID           string       `db:"job_id"`
	Queue           string       `db:"queue"`
	Func            string       `db:"func"`
	Status          string       `db:"status"`
	Worker          string       `db:"worker"`
	Result          []byte       `db:"result"`
	ErrorMessage    string       `db:"error_message"`
	EnqueuedAt      time.Time    `db:"enqueued_at"`
	StartedAt       sql.NullTime `db:"started_at"`
	EndedAt         sql.NullTime `db:"ended_at"`
	LastHeartbeatAt sql.NullTime `db:"last_heartbeat_at"`
}

// Storage records every job a worker executes in PostgreSQL
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the ledger table if it does not exist
func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create job_runs table: %w", err)
	}
	return nil
}

// RecordStart inserts the run, or resets it when a job id is executed again
func (s *Storage) RecordStart(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO job_runs (job_id, queue, func, status, worker, enqueued_at, started_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (job_id) DO UPDATE
		SET status = EXCLUDED.status,
		    worker = EXCLUDED.worker,
		    started_at = EXCLUDED.started_at,
		    last_heartbeat_at = EXCLUDED.last_heartbeat_at,
		    ended_at = NULL,
		    result = NULL,
		    error_message = ''
	`

	startedAt := time.Now().UTC()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Origin, job.Func, string(domain.StatusStarted), job.Worker, job.EnqueuedAt, startedAt)
	if err != nil {
		return fmt.Errorf("failed to record job start: %w", err)
	}

	s.logger.Debug("Job run started",
		slog.String("job_id", job.ID),
		slog.String("queue", job.Origin),
	)
	return nil
}

// RecordOutcome stores the terminal status, result and error of a run
func (s *Storage) RecordOutcome(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE job_runs
		SET status = $1,
		    result = $2,
		    error_message = $3,
		    ended_at = $4
		WHERE job_id = $5
	`

	endedAt := time.Now().UTC()
	if job.EndedAt != nil {
		endedAt = *job.EndedAt
	}

	var result any
	if len(job.Result) > 0 {
		result = []byte(job.Result)
	}

	res, err := s.db.ExecContext(ctx, query, string(job.Status), result, job.Error, endedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to record job outcome: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job outcome update - no run row",
			slog.String("job_id", job.ID),
		)
	}

	s.logger.Debug("Job run finished",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return nil
}

// UpdateHeartbeat bumps last_heartbeat_at for a running job
func (s *Storage) UpdateHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE job_runs
		SET last_heartbeat_at = $1
		WHERE job_id = $2 AND status = $3
	`

	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), jobID, string(domain.StatusStarted)); err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return nil
}

// GetRun loads one run by job id
func (s *Storage) GetRun(ctx context.Context, jobID string) (*Run, error) {
	query := `
		SELECT job_id, queue, func, status, worker, result, error_message,
		       enqueued_at, started_at, ended_at, last_heartbeat_at
		FROM job_runs
		WHERE job_id = $1
	`

	var run Run
	if err := s.db.GetContext(ctx, &run, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return &run, nil
}
