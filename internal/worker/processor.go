package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// processJob executes one job and records its outcome on the broker. Job
// failures are handled here; only broker errors are returned.
func (w *Worker) processJob(ctx context.Context, appCtx *appctx.Context, job *domain.Job) error {
	job.MarkStarted(w.name, time.Now().UTC())
	w.current.Store(job)
	defer w.current.Store(nil)

	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("func", job.Func),
		slog.String("queue", job.Origin),
		slog.Int("priority", w.queues.Priority(job.Origin)),
	)

	if err := w.source.Start(ctx, job); err != nil {
		err = fmt.Errorf("failed to mark job started: %w", err)
		if domain.IsFatal(err) {
			return err
		}
		return w.rejectJob(ctx, job, err)
	}
	if appCtx.Runs != nil {
		if err := appCtx.Runs.RecordStart(ctx, job); err != nil {
			w.logger.Warn("Failed to record job start",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	if appCtx.Runs != nil {
		go w.sendJobHeartbeat(ctx, appCtx, job.ID, heartbeatDone)
	}

	result, execErr := w.execute(jobCtx, appCtx, job)
	close(heartbeatDone)

	if execErr != nil {
		job.MarkFailed(execErr, time.Now().UTC())
	} else {
		job.MarkFinished(result, time.Now().UTC())
	}

	w.processed.Add(1)
	w.metrics.observeJob(job.Origin, job.Duration(), execErr != nil)

	if appCtx.Runs != nil {
		if err := appCtx.Runs.RecordOutcome(ctx, job); err != nil {
			w.logger.Warn("Failed to record job outcome",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}

	if execErr != nil {
		w.failed.Add(1)
		w.logger.Error("Job execution failed",
			slog.String("job_id", job.ID),
			slog.String("func", job.Func),
			slog.Duration("duration", job.Duration()),
			slog.Any("error", execErr),
		)
		if err := w.source.Fail(ctx, job, execErr); err != nil {
			return fmt.Errorf("failed to record job failure: %w", err)
		}
		return nil
	}

	w.logger.Info("Job completed successfully",
		slog.String("job_id", job.ID),
		slog.String("func", job.Func),
		slog.Duration("duration", job.Duration()),
	)
	if err := w.source.Complete(ctx, job); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// rejectJob records a dequeued job that could not be started as failed,
// so it stays visible in the failed registry instead of vanishing
func (w *Worker) rejectJob(ctx context.Context, job *domain.Job, cause error) error {
	job.MarkFailed(cause, time.Now().UTC())
	w.failed.Add(1)
	w.logger.Error("Job could not be started",
		slog.String("job_id", job.ID),
		slog.String("func", job.Func),
		slog.Any("error", cause),
	)
	if err := w.source.Fail(ctx, job, cause); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to record job failure: %w", err))
	}
	return nil
}

// execute resolves and invokes the job body. Every failure, including a
// panic, comes back as a *domain.JobError.
func (w *Worker) execute(ctx context.Context, appCtx *appctx.Context, job *domain.Job) (result json.RawMessage, err error) {
	args, err := domain.DecodeArguments(job.Payload)
	if err != nil {
		return nil, domain.NewJobError(job, err)
	}

	handler, ok := w.registry.Lookup(job.Func)
	if !ok {
		return nil, domain.NewJobError(job, fmt.Errorf("%w: %q", domain.ErrUnknownFunction, job.Func))
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = domain.NewJobError(job, fmt.Errorf("%w: panic: %v", domain.ErrJobExecution, r))
		}
	}()

	value, err := handler(ctx, appCtx, args)
	if err != nil {
		return nil, domain.NewJobError(job, err)
	}
	if value == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, domain.NewJobError(job, fmt.Errorf("%w: result is not serializable: %v", domain.ErrSerialization, err))
	}
	return encoded, nil
}

// sendJobHeartbeat periodically updates the run ledger while a job runs
func (w *Worker) sendJobHeartbeat(ctx context.Context, appCtx *appctx.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := appCtx.Runs.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
