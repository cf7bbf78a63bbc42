// Package redisbroker stores queues and jobs in Redis using the rq key
// layout, so queues can be inspected with the usual rq tooling conventions.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	sharedredis "github.com/cuongbtq/jobworker/shared/redis"
	goredis "github.com/redis/go-redis/v9"
)

var (
	_ worker.Source      = (*Broker)(nil)
	_ worker.Reconnector = (*Broker)(nil)
	_ worker.Registrar   = (*Broker)(nil)
	_ worker.Producer    = (*Broker)(nil)
	_ worker.Inspector   = (*Broker)(nil)
)

// timeFormat matches the timestamps rq writes
const timeFormat = "2006-01-02T15:04:05.000000Z"

const defaultWorkerTTL = 420 * time.Second

// Job hash fields
const (
	fieldFunc       = "func"
	fieldData       = "data"
	fieldOrigin     = "origin"
	fieldEnqueuedAt = "enqueued_at"
	fieldStatus     = "status"
	fieldStartedAt  = "started_at"
	fieldEndedAt    = "ended_at"
	fieldResult     = "result"
	fieldExcInfo    = "exc_info"
	fieldWorker     = "worker"
)

// Config holds broker behaviour on top of the connection
type Config struct {
	KeyPrefix     string
	FailurePolicy string
	ResultTTL     time.Duration
	FailureTTL    time.Duration
	WorkerTTL     time.Duration
}

// Broker is the Redis Source, Producer and Inspector
type Broker struct {
	client *sharedredis.Client
	rdb    *goredis.Client
	cfg    Config
	logger *slog.Logger
}

// New wraps an established connection
func New(client *sharedredis.Client, cfg Config, logger *slog.Logger) *Broker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rq"
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = config.FailurePolicyMove
	}
	if cfg.WorkerTTL <= 0 {
		cfg.WorkerTTL = defaultWorkerTTL
	}
	return &Broker{
		client: client,
		rdb:    client.GetClient(),
		cfg:    cfg,
		logger: logger,
	}
}

func (b *Broker) key(parts ...string) string {
	return b.cfg.KeyPrefix + ":" + strings.Join(parts, ":")
}

func (b *Broker) queueKey(name string) string  { return b.key("queue", name) }
func (b *Broker) jobKey(id string) string      { return b.key("job", id) }
func (b *Broker) failedKey(name string) string { return b.key("failed", name) }
func (b *Broker) wipKey(name string) string    { return b.key("wip", name) }
func (b *Broker) workerKey(name string) string { return b.key("worker", name) }
func (b *Broker) queuesKey() string            { return b.key("queues") }
func (b *Broker) workersKey() string           { return b.key("workers") }

// classify separates replies Redis sent back from transport failures; only
// the latter mean the connection is gone
func classify(op string, err error) error {
	var replyErr goredis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", domain.ErrConnectionLost, op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{timeFormat, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

// Reconnect verifies the pool can reach Redis again; go-redis redials
// broken connections on its own
func (b *Broker) Reconnect(ctx context.Context) error {
	return b.client.HealthCheck(ctx)
}

func (b *Broker) Close() error {
	return b.client.Close()
}

// Declare records the queue in the queue index. The list itself only
// exists once a job is pushed.
func (b *Broker) Declare(ctx context.Context, queue string) error {
	if err := b.rdb.SAdd(ctx, b.queuesKey(), b.queueKey(queue)).Err(); err != nil {
		return classify("declare queue", err)
	}
	return nil
}

// Enqueue writes the job hash and appends the id to the queue
func (b *Broker) Enqueue(ctx context.Context, queue string, job *domain.Job) error {
	job.Origin = queue
	job.Status = domain.StatusQueued

	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(job.ID),
			fieldFunc, job.Func,
			fieldData, string(job.Payload),
			fieldOrigin, queue,
			fieldEnqueuedAt, formatTime(job.EnqueuedAt),
			fieldStatus, string(domain.StatusQueued),
		)
		pipe.SAdd(ctx, b.queuesKey(), b.queueKey(queue))
		pipe.RPush(ctx, b.queueKey(queue), job.ID)
		return nil
	})
	if err != nil {
		return classify("enqueue job", err)
	}

	b.logger.Debug("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", queue),
		slog.String("func", job.Func),
	)
	return nil
}

// Dequeue pops with BLPOP across the bound queues; Redis checks the keys
// in argument order, which gives binding priority
func (b *Broker) Dequeue(ctx context.Context, queues *worker.QueueSet, timeout time.Duration) (*domain.Job, error) {
	names := queues.Names()
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = b.queueKey(name)
	}

	deadline := time.Now().Add(timeout)
	wait := blockTimeout(timeout)
	for {
		if wait <= 0 {
			return nil, nil
		}

		res, err := b.rdb.BLPop(ctx, wait, keys...).Result()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, classify("dequeue job", err)
		}
		if len(res) < 2 {
			wait = blockTimeout(time.Until(deadline))
			continue
		}

		id := res[1]
		job, err := b.load(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			b.logger.Warn("Skipping dequeued job with no data",
				slog.String("job_id", id),
				slog.String("queue_key", res[0]),
			)
			wait = blockTimeout(time.Until(deadline))
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Origin == "" {
			job.Origin = strings.TrimPrefix(res[0], b.queueKey(""))
		}
		return job, nil
	}
}

// blockTimeout rounds d up to whole seconds, the resolution BLPOP takes
func blockTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}

func (b *Broker) load(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := b.rdb.HGetAll(ctx, b.jobKey(id)).Result()
	if err != nil {
		return nil, classify("load job", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return decodeJob(id, fields), nil
}

// decodeJob maps a job hash onto a Job. Unparseable timestamps are left
// unset rather than rejecting the job.
func decodeJob(id string, fields map[string]string) *domain.Job {
	job := &domain.Job{
		ID:      id,
		Func:    fields[fieldFunc],
		Payload: []byte(fields[fieldData]),
		Origin:  fields[fieldOrigin],
		Status:  domain.Status(fields[fieldStatus]),
		Error:   fields[fieldExcInfo],
		Worker:  fields[fieldWorker],
	}
	if !job.Status.Valid() {
		job.Status = domain.StatusQueued
	}
	if t, ok := parseTime(fields[fieldEnqueuedAt]); ok {
		job.EnqueuedAt = t
	}
	if t, ok := parseTime(fields[fieldStartedAt]); ok {
		job.StartedAt = &t
	}
	if t, ok := parseTime(fields[fieldEndedAt]); ok {
		job.EndedAt = &t
	}
	if r := fields[fieldResult]; r != "" {
		job.Result = []byte(r)
	}
	return job
}

// Start marks the job started and adds it to the queue's wip registry
func (b *Broker) Start(ctx context.Context, job *domain.Job) error {
	startedAt := time.Now().UTC()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, b.jobKey(job.ID),
			fieldStatus, string(domain.StatusStarted),
			fieldStartedAt, formatTime(startedAt),
			fieldWorker, job.Worker,
		)
		pipe.ZAdd(ctx, b.wipKey(job.Origin), goredis.Z{
			Score:  float64(startedAt.Unix()),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return classify("mark job started", err)
	}
	return nil
}

// Complete deletes the job hash, or keeps it for ResultTTL when set
func (b *Broker) Complete(ctx context.Context, job *domain.Job) error {
	endedAt := time.Now().UTC()
	if job.EndedAt != nil {
		endedAt = *job.EndedAt
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.wipKey(job.Origin), job.ID)
		if b.cfg.ResultTTL <= 0 {
			pipe.Del(ctx, b.jobKey(job.ID))
			return nil
		}
		pipe.HSet(ctx, b.jobKey(job.ID),
			fieldStatus, string(domain.StatusFinished),
			fieldEndedAt, formatTime(endedAt),
			fieldResult, string(job.Result),
		)
		pipe.Expire(ctx, b.jobKey(job.ID), b.cfg.ResultTTL)
		return nil
	})
	if err != nil {
		return classify("complete job", err)
	}
	return nil
}

// Fail marks the job failed. Under the move policy it is also added to
// the failed registry of its queue.
func (b *Broker) Fail(ctx context.Context, job *domain.Job, cause error) error {
	endedAt := time.Now().UTC()
	if job.EndedAt != nil {
		endedAt = *job.EndedAt
	}
	excInfo := job.Error
	if excInfo == "" && cause != nil {
		excInfo = cause.Error()
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.wipKey(job.Origin), job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID),
			fieldStatus, string(domain.StatusFailed),
			fieldEndedAt, formatTime(endedAt),
			fieldExcInfo, excInfo,
		)
		if b.cfg.FailurePolicy == config.FailurePolicyMove {
			pipe.ZAdd(ctx, b.failedKey(job.Origin), goredis.Z{
				Score:  float64(endedAt.Unix()),
				Member: job.ID,
			})
		}
		if b.cfg.FailureTTL > 0 {
			pipe.Expire(ctx, b.jobKey(job.ID), b.cfg.FailureTTL)
		}
		return nil
	})
	if err != nil {
		return classify("record job failure", err)
	}
	return nil
}

// Requeue resets the job and pushes it back to the head of its queue
func (b *Broker) Requeue(ctx context.Context, job *domain.Job) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.wipKey(job.Origin), job.ID)
		pipe.HSet(ctx, b.jobKey(job.ID), fieldStatus, string(domain.StatusQueued))
		pipe.HDel(ctx, b.jobKey(job.ID), fieldStartedAt, fieldWorker)
		pipe.LPush(ctx, b.queueKey(job.Origin), job.ID)
		return nil
	})
	if err != nil {
		return classify("requeue job", err)
	}
	return nil
}

func (b *Broker) RegisterWorker(ctx context.Context, name string, queues []string) error {
	now := formatTime(time.Now())
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, b.workerKey(name),
			"birth", now,
			"last_heartbeat", now,
			"queues", strings.Join(queues, ","),
			"state", "idle",
			"current_job", "",
		)
		pipe.Expire(ctx, b.workerKey(name), b.cfg.WorkerTTL)
		pipe.SAdd(ctx, b.workersKey(), b.workerKey(name))
		return nil
	})
	if err != nil {
		return classify("register worker", err)
	}
	return nil
}

// WorkerHeartbeat only reads job.ID, which never changes after dequeue
func (b *Broker) WorkerHeartbeat(ctx context.Context, name string, job *domain.Job) error {
	state, current := "idle", ""
	if job != nil {
		state, current = "busy", job.ID
	}

	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, b.workerKey(name),
			"last_heartbeat", formatTime(time.Now()),
			"state", state,
			"current_job", current,
		)
		pipe.Expire(ctx, b.workerKey(name), b.cfg.WorkerTTL)
		return nil
	})
	if err != nil {
		return classify("send worker heartbeat", err)
	}
	return nil
}

func (b *Broker) UnregisterWorker(ctx context.Context, name string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, b.workersKey(), b.workerKey(name))
		pipe.Del(ctx, b.workerKey(name))
		return nil
	})
	if err != nil {
		return classify("unregister worker", err)
	}
	return nil
}

// FetchJob loads a job hash by id
func (b *Broker) FetchJob(ctx context.Context, id string) (*domain.Job, error) {
	return b.load(ctx, id)
}

// FailedJobs lists the failed registry of queue, oldest first. Entries
// whose hash has expired are skipped.
func (b *Broker) FailedJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := b.rdb.ZRange(ctx, b.failedKey(queue), 0, stop).Result()
	if err != nil {
		return nil, classify("list failed jobs", err)
	}

	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.load(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.queueKey(queue)).Result()
	if err != nil {
		return 0, classify("read queue length", err)
	}
	return n, nil
}
