package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/google/uuid"
)

const (
	defaultPollTimeout       = 5 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
)

// ReconnectPolicy bounds reconnection after a lost connection. Zero
// attempts disables it.
type ReconnectPolicy struct {
	Attempts          int
	Interval          time.Duration
	BackoffMultiplier float64
}

// Config holds worker configuration
type Config struct {
	Name     string
	Source   Source
	Queues   []string
	Registry *Registry
	Init     appctx.InitFunc
	Logger   *slog.Logger
	Metrics  *Metrics

	PollTimeout       time.Duration
	Burst             bool
	MaxJobs           int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Reconnect         ReconnectPolicy

	// OnStateChange is called synchronously on every transition
	OnStateChange func(from, to State)
}

// Worker runs one sequential work loop against a single Source
type Worker struct {
	cfg      Config
	name     string
	source   Source
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics

	queues *QueueSet

	state     atomic.Int32
	started   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	current   atomic.Pointer[domain.Job]

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	c := *cfg
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{config.DefaultQueue}
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Reconnect.BackoffMultiplier < 1 {
		c.Reconnect.BackoffMultiplier = 1
	}
	if c.Name == "" {
		c.Name = DefaultName()
	}
	if c.Init == nil {
		logger := c.Logger
		c.Init = func(context.Context) (*appctx.Context, error) {
			return appctx.New(nil, logger), nil
		}
	}

	return &Worker{
		cfg:      c,
		name:     c.Name,
		source:   c.Source,
		registry: c.Registry,
		logger:   c.Logger.With(slog.String("worker", c.Name)),
		metrics:  c.Metrics,
		stopChan: make(chan struct{}),
	}
}

// DefaultName builds a worker name unique across hosts and restarts
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s.%d.%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Run connects, binds, initializes the execution context and processes jobs
// until stopped. It returns nil on a clean stop and an error wrapping
// domain.ErrConnection, domain.ErrBinding or domain.ErrConnectionLost on a
// fatal failure. A Worker runs at most once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already started")
	}
	if w.source == nil {
		w.setState(StateStopped)
		return fmt.Errorf("%w: no broker configured", domain.ErrConnection)
	}

	w.logger.Info("Starting worker",
		slog.Any("queues", w.cfg.Queues),
		slog.Duration("poll_timeout", w.cfg.PollTimeout),
		slog.Bool("burst", w.cfg.Burst),
		slog.Int("max_jobs", w.cfg.MaxJobs),
	)

	if err := w.source.Ping(ctx); err != nil {
		w.logger.Error("Failed to reach broker",
			slog.Any("error", err),
		)
		w.closeSource()
		w.setState(StateStopped)
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}

	queues, err := Bind(ctx, w.source, w.cfg.Queues)
	if err != nil {
		w.logger.Error("Failed to bind queues",
			slog.Any("queues", w.cfg.Queues),
			slog.Any("error", err),
		)
		w.closeSource()
		w.setState(StateStopped)
		return err
	}
	w.queues = queues
	w.logger.Info("Queues bound", slog.String("queues", queues.String()))

	appCtx, err := w.cfg.Init(ctx)
	if err != nil {
		w.logger.Error("Failed to initialize execution context",
			slog.Any("error", err),
		)
		w.closeSource()
		w.setState(StateStopped)
		return fmt.Errorf("failed to initialize execution context: %w", err)
	}

	// Broker bookkeeping must survive the stop signal
	bg := context.WithoutCancel(ctx)

	w.register(bg)
	heartbeatDone := make(chan struct{})
	heartbeatStopped := w.startWorkerHeartbeat(bg, heartbeatDone)

	loopErr := w.loop(ctx, appCtx)

	w.setState(StateStopping)
	close(heartbeatDone)
	<-heartbeatStopped

	if err := appCtx.Close(); err != nil {
		w.logger.Error("Failed to close execution context",
			slog.Any("error", err),
		)
	}
	w.unregister(bg)
	w.closeSource()
	w.setState(StateStopped)

	if loopErr != nil {
		w.logger.Error("Worker stopped on fatal error",
			slog.Any("error", loopErr),
			slog.Int64("processed", w.processed.Load()),
		)
		return loopErr
	}

	w.logger.Info("Worker stopped",
		slog.Int64("processed", w.processed.Load()),
		slog.Int64("failed", w.failed.Load()),
	)
	return nil
}

// Stop asks the loop to exit. A running job always finishes first.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Name returns the worker name used for registration and job records
func (w *Worker) Name() string {
	return w.name
}

// State returns the current loop state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Processed returns the number of jobs executed, successful or not
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

// Failed returns the number of jobs that failed
func (w *Worker) Failed() int64 {
	return w.failed.Load()
}

// Queues returns the bound queue names, nil before binding
func (w *Worker) Queues() []string {
	if w.queues == nil {
		return nil
	}
	return w.queues.Names()
}

// Ping checks the broker connection, for health endpoints
func (w *Worker) Ping(ctx context.Context) error {
	if w.source == nil {
		return domain.ErrConnection
	}
	return w.source.Ping(ctx)
}

func (w *Worker) setState(to State) {
	from := State(w.state.Swap(int32(to)))
	if from == to {
		return
	}
	w.metrics.setState(to)
	w.logger.Debug("Worker state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if w.cfg.OnStateChange != nil {
		w.cfg.OnStateChange(from, to)
	}
}

func (w *Worker) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Worker) closeSource() {
	if err := w.source.Close(); err != nil {
		w.logger.Error("Failed to close broker connection",
			slog.Any("error", err),
		)
	}
}

func (w *Worker) register(ctx context.Context) {
	r, ok := w.source.(Registrar)
	if !ok {
		return
	}
	if err := r.RegisterWorker(ctx, w.name, w.queues.Names()); err != nil {
		w.logger.Warn("Failed to register worker",
			slog.Any("error", err),
		)
	}
}

func (w *Worker) unregister(ctx context.Context) {
	r, ok := w.source.(Registrar)
	if !ok {
		return
	}
	if err := r.UnregisterWorker(ctx, w.name); err != nil {
		w.logger.Warn("Failed to unregister worker",
			slog.Any("error", err),
		)
	}
}

// startWorkerHeartbeat refreshes the worker registration until done is
// closed. The returned channel is closed when the goroutine has exited.
func (w *Worker) startWorkerHeartbeat(ctx context.Context, done <-chan struct{}) <-chan struct{} {
	stopped := make(chan struct{})
	r, ok := w.source.(Registrar)
	if !ok {
		close(stopped)
		return stopped
	}

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.WorkerHeartbeat(ctx, w.name, w.current.Load()); err != nil {
					w.logger.Warn("Failed to send worker heartbeat",
						slog.Any("error", err),
					)
				}
			}
		}
	}()
	return stopped
}
