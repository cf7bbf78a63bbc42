package worker

import (
	"context"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// Declarer makes a queue known to the broker
type Declarer interface {
	Declare(ctx context.Context, queue string) error
}

// Source is the broker side of the work loop. Implementations wrap
// transport failures in domain.ErrConnectionLost.
type Source interface {
	Declarer

	// Dequeue blocks for at most timeout and pops the first job found,
	// checking queues in binding order. It returns (nil, nil) when the
	// timeout elapses with every queue empty.
	Dequeue(ctx context.Context, queues *QueueSet, timeout time.Duration) (*domain.Job, error)

	// Start records that job has begun executing
	Start(ctx context.Context, job *domain.Job) error

	// Complete removes a finished job from the broker
	Complete(ctx context.Context, job *domain.Job) error

	// Fail records a failed job according to the broker's failure policy
	Fail(ctx context.Context, job *domain.Job, cause error) error

	// Requeue returns a dequeued job, unexecuted, to the head of its queue
	Requeue(ctx context.Context, job *domain.Job) error

	Ping(ctx context.Context) error
	Close() error
}

// Reconnector is implemented by sources that can re-establish a lost
// connection
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Registrar is implemented by sources that keep a registry of live workers
type Registrar interface {
	RegisterWorker(ctx context.Context, name string, queues []string) error
	// WorkerHeartbeat refreshes the registration; job is nil while idle
	WorkerHeartbeat(ctx context.Context, name string, job *domain.Job) error
	UnregisterWorker(ctx context.Context, name string) error
}

// Producer puts jobs on a queue
type Producer interface {
	Enqueue(ctx context.Context, queue string, job *domain.Job) error
}

// Inspector reads broker state without consuming jobs. Brokers that cannot
// answer a query return domain.ErrUnsupported.
type Inspector interface {
	FetchJob(ctx context.Context, id string) (*domain.Job, error)
	FailedJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error)
	QueueLength(ctx context.Context, queue string) (int64, error)
}
