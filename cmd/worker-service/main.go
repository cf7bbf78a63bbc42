package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/jobworker/internal/api/router"
	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/broker"
	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/jobs"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// options holds flags shared by every subcommand plus the loop flags
type options struct {
	configPath string
	driver     string
	host       string
	port       int
	db         int
	password   string

	queues      string
	burst       bool
	maxJobs     int
	name        string
	pollTimeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "worker-service",
		Short:        "Process jobs from one or more queues",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if it exists
			if err := godotenv.Load(); err != nil {
				log.Println("No .env file found, using environment variables or flags")
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file")
	pf.StringVar(&opts.driver, "driver", "", "Broker driver (redis or rabbitmq)")
	pf.StringVar(&opts.host, "host", "", "Broker host")
	pf.IntVar(&opts.port, "port", 0, "Broker port")
	pf.IntVar(&opts.db, "db", 0, "Redis database index")
	pf.StringVar(&opts.password, "password", "", "Broker password")

	f := cmd.Flags()
	f.StringVarP(&opts.queues, "queues", "q", "", "Comma-separated queues, highest priority first")
	f.BoolVarP(&opts.burst, "burst", "b", false, "Exit once every queue is empty")
	f.IntVar(&opts.maxJobs, "max-jobs", 0, "Exit after this many jobs (0 = unlimited)")
	f.StringVarP(&opts.name, "name", "n", "", "Worker name")
	f.DurationVar(&opts.pollTimeout, "poll-timeout", 0, "How long one dequeue blocks waiting for a job")

	cmd.AddCommand(newEnqueueCommand(opts), newFailedCommand(opts))
	return cmd
}

// loadConfig layers file, environment and flags, in that order
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.LoadOptional(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	applyFlags(cfg, opts, cmd.Flags().Changed)

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyFlags copies the flags the user actually set onto cfg
func applyFlags(cfg *config.Config, opts *options, changed func(name string) bool) {
	if changed("driver") {
		cfg.Broker.Driver = opts.driver
	}

	switch cfg.Broker.Driver {
	case config.DriverRabbitMQ:
		if changed("host") {
			cfg.Broker.RabbitMQ.Host = opts.host
		}
		if changed("port") {
			cfg.Broker.RabbitMQ.Port = opts.port
		}
		if changed("password") {
			cfg.Broker.RabbitMQ.Password = opts.password
		}
	default:
		if changed("host") {
			cfg.Broker.Redis.Host = opts.host
		}
		if changed("port") {
			cfg.Broker.Redis.Port = opts.port
		}
		if changed("db") {
			cfg.Broker.Redis.DB = opts.db
		}
		if changed("password") {
			cfg.Broker.Redis.Password = opts.password
		}
	}

	if changed("queues") {
		cfg.Worker.Queues = config.SplitQueues(opts.queues)
	}
	if changed("burst") {
		cfg.Worker.Burst = opts.burst
	}
	if changed("max-jobs") {
		cfg.Worker.MaxJobs = opts.maxJobs
	}
	if changed("name") {
		cfg.Worker.Name = opts.name
	}
	if changed("poll-timeout") {
		cfg.Worker.PollTimeout = opts.pollTimeout
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("driver", cfg.Broker.Driver),
		slog.Any("queues", cfg.Worker.Queues),
	)

	source, err := broker.Open(cfg, appLogger.Logger)
	if err != nil {
		appLogger.Error("Failed to connect to broker", slog.Any("error", err))
		return err
	}

	registry := worker.NewRegistry()
	if err := jobs.Register(registry); err != nil {
		source.Close()
		return fmt.Errorf("failed to register jobs: %w", err)
	}

	metrics := worker.NewMetrics()
	w := worker.NewWorker(&worker.Config{
		Name:              cfg.Worker.Name,
		Source:            source,
		Queues:            cfg.Worker.Queues,
		Registry:          registry,
		Init:              appctx.NewFactory(cfg, appLogger.Logger),
		Logger:            appLogger.Logger,
		Metrics:           metrics,
		PollTimeout:       cfg.Worker.PollTimeout,
		Burst:             cfg.Worker.Burst,
		MaxJobs:           cfg.Worker.MaxJobs,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Reconnect: worker.ReconnectPolicy{
			Attempts:          cfg.Worker.Reconnect.Attempts,
			Interval:          cfg.Worker.Reconnect.Interval,
			BackoffMultiplier: cfg.Worker.Reconnect.BackoffMultiplier,
		},
	})

	// Must be registered before the loop can start a job
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	srv := startStatusServer(cfg, appLogger.Logger, w, metrics)

	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Run(ctx)
	}()

	runErr := awaitShutdown(w, errChan, quit, cfg.Worker.ShutdownTimeout, appLogger.Logger)

	stopStatusServer(srv, cfg.Server.ShutdownTimeout, appLogger.Logger)

	if runErr != nil {
		appLogger.Error("Worker stopped with error",
			slog.Any("error", runErr),
			slog.Int64("processed", w.Processed()),
		)
		return runErr
	}

	appLogger.Info("Worker service shutdown complete",
		slog.Int64("processed", w.Processed()),
		slog.Int64("failed", w.Failed()),
	)
	return nil
}

var (
	errForcedShutdown   = errors.New("worker forced to shut down")
	errShutdownDeadline = errors.New("worker shutdown timeout exceeded")
)

type stopper interface {
	Stop()
}

// awaitShutdown waits for the loop to return. The first signal asks the
// loop to stop after the current job; a second signal, or the optional
// timeout, gives up on that job.
func awaitShutdown(w stopper, done <-chan error, quit <-chan os.Signal, timeout time.Duration, logger *slog.Logger) error {
	select {
	case err := <-done:
		return err
	case sig := <-quit:
		logger.Info("Received signal, finishing current job before shutdown",
			slog.String("signal", sig.String()),
		)
		w.Stop()
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		return err
	case sig := <-quit:
		logger.Warn("Received second signal, abandoning current job",
			slog.String("signal", sig.String()),
		)
		return fmt.Errorf("%w by %s", errForcedShutdown, sig)
	case <-deadline:
		logger.Warn("Shutdown timeout reached, abandoning current job",
			slog.Duration("timeout", timeout),
		)
		return errShutdownDeadline
	}
}

// startStatusServer serves /health and /metrics when a port is configured
func startStatusServer(cfg *config.Config, logger *slog.Logger, w *worker.Worker, metrics *worker.Metrics) *http.Server {
	if cfg.Server.Port == 0 {
		return nil
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.SetupStatusRouter(logger, w, metrics.Handler()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Status server listening", slog.String("address", addr))
	return srv
}

func stopStatusServer(srv *http.Server, timeout time.Duration, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Status server forced to shutdown", slog.Any("error", err))
	}
}
