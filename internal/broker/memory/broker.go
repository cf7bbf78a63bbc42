// Package memory is an in-process broker. It backs the worker tests and
// local runs without Redis.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

var (
	_ worker.Source      = (*Broker)(nil)
	_ worker.Reconnector = (*Broker)(nil)
	_ worker.Registrar   = (*Broker)(nil)
	_ worker.Producer    = (*Broker)(nil)
	_ worker.Inspector   = (*Broker)(nil)
)

// errUnreachable stands in for a refused dial
var errUnreachable = errors.New("memory broker unreachable")

// Stats counts the operations a broker has served
type Stats struct {
	Pings     int
	Declares  int
	Dequeues  int
	Starts    int
	Completes int
	Fails     int
	Requeues  int
	Closes    int
}

// Broker keeps FIFO queues in memory. All methods are safe for concurrent
// use; jobs are copied in and out so callers never share records.
type Broker struct {
	mu sync.Mutex

	queues    map[string][]string
	declared  map[string]bool
	jobs      map[string]*domain.Job
	failed    map[string][]string
	completed []*domain.Job
	workers   map[string][]string
	beats     map[string]int

	connected   bool
	unreachable bool
	startErr    error
	wake        chan struct{}
	stats       Stats
}

// Option configures a Broker
type Option func(*Broker)

// Unreachable makes every connection attempt fail
func Unreachable() Option {
	return func(b *Broker) {
		b.unreachable = true
		b.connected = false
	}
}

// New creates a connected, empty broker
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:    make(map[string][]string),
		declared:  make(map[string]bool),
		jobs:      make(map[string]*domain.Job),
		failed:    make(map[string][]string),
		workers:   make(map[string][]string),
		beats:     make(map[string]int),
		connected: true,
		wake:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func clone(job *domain.Job) *domain.Job {
	c := *job
	return &c
}

// signal wakes every blocked Dequeue. Callers hold mu.
func (b *Broker) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

func (b *Broker) check() error {
	if !b.connected {
		return fmt.Errorf("%w: memory broker disconnected", domain.ErrConnectionLost)
	}
	return nil
}

// Disconnect simulates the broker going away. Blocked and future calls
// fail with domain.ErrConnectionLost until Reconnect succeeds.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	b.signal()
}

// SetUnreachable controls whether Ping and Reconnect succeed
func (b *Broker) SetUnreachable(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = v
}

// SetStartError makes Start fail with err until it is cleared with nil.
// It stands in for a reply error such as READONLY on a live connection.
func (b *Broker) SetStartError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
}

// Reconnect restores a dropped connection
func (b *Broker) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreachable {
		return errUnreachable
	}
	b.connected = true
	return nil
}

func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Pings++
	if b.unreachable {
		return errUnreachable
	}
	return b.check()
}

func (b *Broker) Declare(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.stats.Declares++
	b.declared[queue] = true
	return nil
}

// Enqueue appends a copy of job to queue
func (b *Broker) Enqueue(ctx context.Context, queue string, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}

	stored := clone(job)
	stored.Origin = queue
	stored.Status = domain.StatusQueued
	job.Origin = queue

	b.jobs[stored.ID] = stored
	b.queues[queue] = append(b.queues[queue], stored.ID)
	b.declared[queue] = true
	b.signal()
	return nil
}

// Dequeue pops the head of the first non-empty queue, in binding order
func (b *Broker) Dequeue(ctx context.Context, queues *worker.QueueSet, timeout time.Duration) (*domain.Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if err := b.check(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.stats.Dequeues++
		if job := b.popLocked(queues.Names()); job != nil {
			b.mu.Unlock()
			return job, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) popLocked(names []string) *domain.Job {
	for _, name := range names {
		for len(b.queues[name]) > 0 {
			id := b.queues[name][0]
			b.queues[name] = b.queues[name][1:]

			// Deleted while queued; skip like a vanished hash
			if stored, ok := b.jobs[id]; ok {
				return clone(stored)
			}
		}
	}
	return nil
}

func (b *Broker) update(job *domain.Job) {
	if _, ok := b.jobs[job.ID]; ok {
		b.jobs[job.ID] = clone(job)
	}
}

func (b *Broker) Start(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	if b.startErr != nil {
		return b.startErr
	}
	b.stats.Starts++
	b.update(job)
	return nil
}

// Complete removes the job record and remembers it in Completed
func (b *Broker) Complete(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.stats.Completes++
	delete(b.jobs, job.ID)
	b.completed = append(b.completed, clone(job))
	return nil
}

// Fail keeps the job record and adds it to the queue's failed registry
func (b *Broker) Fail(ctx context.Context, job *domain.Job, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.stats.Fails++

	stored := clone(job)
	stored.Status = domain.StatusFailed
	if cause != nil && stored.Error == "" {
		stored.Error = cause.Error()
	}
	b.jobs[job.ID] = stored
	b.failed[job.Origin] = append(b.failed[job.Origin], job.ID)
	return nil
}

// Requeue puts the job back at the head of its queue
func (b *Broker) Requeue(ctx context.Context, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.stats.Requeues++

	stored := clone(job)
	stored.Status = domain.StatusQueued
	stored.StartedAt = nil
	stored.Worker = ""
	b.jobs[job.ID] = stored
	b.queues[job.Origin] = append([]string{job.ID}, b.queues[job.Origin]...)
	b.signal()
	return nil
}

// Close drops the connection. It is safe to call more than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Closes++
	b.connected = false
	b.signal()
	return nil
}

func (b *Broker) RegisterWorker(ctx context.Context, name string, queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.workers[name] = queues
	return nil
}

func (b *Broker) WorkerHeartbeat(ctx context.Context, name string, job *domain.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	b.beats[name]++
	return nil
}

func (b *Broker) UnregisterWorker(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	delete(b.workers, name)
	return nil
}

// FetchJob returns a copy of a stored job
func (b *Broker) FetchJob(ctx context.Context, id string) (*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(job), nil
}

// FailedJobs lists failed jobs of queue, oldest first. limit <= 0 means all.
func (b *Broker) FailedJobs(ctx context.Context, queue string, limit int) ([]*domain.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.failed[queue]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := b.jobs[id]; ok {
			jobs = append(jobs, clone(job))
		}
	}
	return jobs, nil
}

func (b *Broker) QueueLength(ctx context.Context, queue string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[queue])), nil
}

// Completed returns copies of the completed jobs in completion order
func (b *Broker) Completed() []*domain.Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*domain.Job, len(b.completed))
	for i, job := range b.completed {
		out[i] = clone(job)
	}
	return out
}

// Declared reports whether queue has been declared or written to
func (b *Broker) Declared(queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declared[queue]
}

// Workers returns the registered workers and their queues
func (b *Broker) Workers() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]string, len(b.workers))
	for k, v := range b.workers {
		out[k] = v
	}
	return out
}

// Heartbeats returns how many heartbeats name has sent
func (b *Broker) Heartbeats(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.beats[name]
}

// Stats returns a snapshot of the operation counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
