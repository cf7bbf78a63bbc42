// Package rabbitbroker runs the work loop against RabbitMQ queues. Each
// message body is one JSON-encoded job.
package rabbitbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ worker.Source      = (*Broker)(nil)
	_ worker.Reconnector = (*Broker)(nil)
	_ worker.Producer    = (*Broker)(nil)
	_ worker.Inspector   = (*Broker)(nil)
)

const (
	contentType         = "application/json"
	failedSuffix        = ".failed"
	defaultPollInterval = 200 * time.Millisecond
)

// Config holds broker behaviour on top of the connection
type Config struct {
	// PollInterval is the pause between sweeps that found every queue empty
	PollInterval time.Duration
}

// Broker is the RabbitMQ Source and Producer. basic.get is used instead of
// a consumer so that binding order decides which queue is served first.
type Broker struct {
	client *rabbitmq.Client
	cfg    Config
	logger *slog.Logger
}

// New wraps an established connection
func New(client *rabbitmq.Client, cfg Config, logger *slog.Logger) *Broker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Broker{client: client, cfg: cfg, logger: logger}
}

// FailedQueue names the queue that receives failure records for queue
func FailedQueue(queue string) string {
	return queue + failedSuffix
}

// classify marks errors after which the channel cannot be used again
func classify(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.Is(err, rabbitmq.ErrNotConnected) || errors.Is(err, amqp.ErrClosed) ||
		(errors.As(err, &amqpErr) && !amqpErr.Recover) {
		return fmt.Errorf("%w: failed to %s: %w", domain.ErrConnectionLost, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// encodeJob renders the message body for job
func encodeJob(job *domain.Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSerialization, err)
	}
	return body, nil
}

// decodeJob turns a delivery into a job. A body that is not a job is still
// returned, with the raw body as payload, so that it fails and is recorded
// instead of being dropped.
func decodeJob(queue string, d amqp.Delivery) *domain.Job {
	var job domain.Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.ID == "" {
		id := d.MessageId
		if id == "" {
			id = uuid.NewString()
		}
		job = domain.Job{
			ID:         id,
			Payload:    d.Body,
			EnqueuedAt: d.Timestamp,
		}
	}
	job.Origin = queue
	job.Status = domain.StatusQueued
	job.DeliveryTag = d.DeliveryTag
	return &job
}

func (b *Broker) Ping(ctx context.Context) error {
	if !b.client.IsConnected() {
		return rabbitmq.ErrNotConnected
	}
	return nil
}

func (b *Broker) Reconnect(ctx context.Context) error {
	return b.client.Reconnect()
}

func (b *Broker) Close() error {
	return b.client.Close()
}

// Declare declares queue and its failure queue
func (b *Broker) Declare(ctx context.Context, queue string) error {
	for _, name := range []string{queue, FailedQueue(queue)} {
		if err := b.client.DeclareQueue(name); err != nil {
			return classify("declare queue", err)
		}
	}
	return nil
}

// Enqueue publishes job to queue
func (b *Broker) Enqueue(ctx context.Context, queue string, job *domain.Job) error {
	job.Origin = queue
	job.Status = domain.StatusQueued

	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := b.client.PublishToQueue(ctx, queue, body, contentType); err != nil {
		return classify("enqueue job", err)
	}
	return nil
}

// Dequeue sweeps the queues in binding order with basic.get, pausing
// PollInterval between empty sweeps until timeout
func (b *Broker) Dequeue(ctx context.Context, queues *worker.QueueSet, timeout time.Duration) (*domain.Job, error) {
	deadline := time.Now().Add(timeout)

	for {
		for _, name := range queues.Names() {
			msg, ok, err := b.client.Get(name)
			if err != nil {
				return nil, classify("dequeue job", err)
			}
			if ok {
				return decodeJob(name, msg), nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wait := b.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case amqpErr := <-b.client.Lost():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectionLost, amqpErr)
		}
	}
}

// Start is a no-op; an unacked delivery already marks the job in flight
func (b *Broker) Start(ctx context.Context, job *domain.Job) error {
	return nil
}

// Complete acks the delivery
func (b *Broker) Complete(ctx context.Context, job *domain.Job) error {
	if err := b.client.Ack(job.DeliveryTag); err != nil {
		return classify("ack job", err)
	}
	return nil
}

// Fail publishes a failure record to the failure queue and acks the
// original delivery
func (b *Broker) Fail(ctx context.Context, job *domain.Job, cause error) error {
	record := *job
	record.Status = domain.StatusFailed
	if record.Error == "" && cause != nil {
		record.Error = cause.Error()
	}

	body, err := encodeJob(&record)
	if err != nil {
		return err
	}
	if err := b.client.PublishToQueue(ctx, FailedQueue(job.Origin), body, contentType); err != nil {
		return classify("record job failure", err)
	}
	if err := b.client.Ack(job.DeliveryTag); err != nil {
		return classify("ack failed job", err)
	}
	return nil
}

// Requeue returns the delivery to its queue
func (b *Broker) Requeue(ctx context.Context, job *domain.Job) error {
	if err := b.client.Nack(job.DeliveryTag, true); err != nil {
		return classify("requeue job", err)
	}
	return nil
}

// FetchJob is not supported: messages cannot be read by id
func (b *Broker) FetchJob(ctx context.Context, id string) (*domain.Job, error) {
	return nil, domain.ErrUnsupported
}

// FailedJobs is not supported: reading the failure queue would consume it
func (b *Broker) FailedJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error) {
	return nil, domain.ErrUnsupported
}

func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.QueueLength(queue)
	if err != nil {
		return 0, classify("read queue length", err)
	}
	return int64(n), nil
}
