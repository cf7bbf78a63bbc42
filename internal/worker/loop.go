package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// loop is the Polling/Executing cycle. Stop is only observed here, between
// jobs; it is never injected into a running job.
func (w *Worker) loop(ctx context.Context, appCtx *appctx.Context) error {
	// A blocking pop must not be abandoned halfway: a cancelled request can
	// still have removed a job on the broker side.
	bg := context.WithoutCancel(ctx)

	for {
		if w.stopRequested(ctx) {
			w.logger.Info("Stop requested, leaving work loop")
			return nil
		}
		if w.cfg.MaxJobs > 0 && w.processed.Load() >= int64(w.cfg.MaxJobs) {
			w.logger.Info("Job limit reached, leaving work loop",
				slog.Int("max_jobs", w.cfg.MaxJobs),
			)
			return nil
		}

		w.setState(StatePolling)

		job, err := w.source.Dequeue(bg, w.queues, w.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrConnectionLost) {
				if rerr := w.reconnect(ctx, err); rerr != nil {
					return rerr
				}
				continue
			}

			w.logger.Error("Failed to dequeue job",
				slog.Any("error", err),
			)
			if domain.IsFatal(err) {
				return err
			}
			w.pause(ctx, w.cfg.PollTimeout)
			continue
		}

		if job == nil {
			if w.cfg.Burst {
				w.logger.Info("Queues empty, burst mode finished")
				return nil
			}
			continue
		}

		if w.stopRequested(ctx) {
			w.logger.Info("Stop requested after dequeue, returning job to its queue",
				slog.String("job_id", job.ID),
				slog.String("queue", job.Origin),
			)
			if err := w.source.Requeue(bg, job); err != nil {
				w.logger.Error("Failed to requeue job",
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
				if domain.IsFatal(err) {
					return err
				}
			}
			return nil
		}

		w.setState(StateExecuting)

		if err := w.processJob(bg, appCtx, job); err != nil {
			if errors.Is(err, domain.ErrConnectionLost) {
				if rerr := w.reconnect(ctx, err); rerr != nil {
					return rerr
				}
				continue
			}
			w.logger.Error("Failed to record job outcome",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			if domain.IsFatal(err) {
				return err
			}
		}
	}
}

// pause waits for d unless a stop arrives first
func (w *Worker) pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.stopChan:
	case <-ctx.Done():
	}
}

// reconnect applies the reconnect policy after a lost connection. It
// returns nil once the source is usable again and the queues are declared.
func (w *Worker) reconnect(ctx context.Context, cause error) error {
	rc, ok := w.source.(Reconnector)
	policy := w.cfg.Reconnect
	if !ok || policy.Attempts <= 0 {
		w.logger.Error("Broker connection lost",
			slog.Any("error", cause),
		)
		return cause
	}

	interval := policy.Interval
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		w.logger.Warn("Broker connection lost, reconnecting",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.Attempts),
			slog.Duration("wait", interval),
			slog.Any("error", cause),
		)

		w.pause(ctx, interval)
		if w.stopRequested(ctx) {
			return cause
		}

		err := rc.Reconnect(ctx)
		if err == nil {
			_, err = Bind(ctx, w.source, w.queues.Names())
		}
		if err == nil {
			w.logger.Info("Reconnected to broker",
				slog.Int("attempt", attempt),
			)
			return nil
		}

		w.logger.Error("Failed to reconnect to broker",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		interval = time.Duration(float64(interval) * policy.BackoffMultiplier)
	}

	return fmt.Errorf("gave up after %d reconnect attempts: %w", policy.Attempts, cause)
}
