package appctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/worker/storage"
	"github.com/cuongbtq/jobworker/shared/postgresql"
)

// Context is the process-wide state handed to every job body. It is built
// once before the work loop starts and closed after it ends.
type Context struct {
	Logger *slog.Logger
	Config *config.Config

	// DB is nil unless the database is enabled
	DB *postgresql.Client

	// Runs is nil unless job runs are recorded
	Runs *storage.Storage

	mu      sync.RWMutex
	values  map[string]any
	closers []func() error
	closed  bool
}

// New builds a context without external resources
func New(cfg *config.Config, logger *slog.Logger) *Context {
	return &Context{
		Logger: logger,
		Config: cfg,
		values: make(map[string]any),
	}
}

// Set stores an application value shared by all jobs
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Value returns a value stored with Set
func (c *Context) Value(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// OnClose registers fn to run when the context is closed, in reverse order
func (c *Context) OnClose(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

// Close releases everything the context owns. Calling it again is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitFunc builds the execution context. The worker calls it exactly once.
type InitFunc func(ctx context.Context) (*Context, error)

// NewFactory returns the InitFunc used by the worker process. PostgreSQL is
// only opened when the database is enabled.
func NewFactory(cfg *config.Config, logger *slog.Logger) InitFunc {
	return func(ctx context.Context) (*Context, error) {
		appCtx := New(cfg, logger)

		if !cfg.Database.Enabled {
			logger.Info("Execution context initialized without database")
			return appCtx, nil
		}

		db, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.Database,
			SSLMode:         cfg.Database.SSLMode,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		if err := attachDatabase(ctx, appCtx, db, cfg.Database.RecordRuns); err != nil {
			db.Close()
			return nil, err
		}

		logger.Info("Execution context initialized",
			slog.Bool("record_runs", appCtx.Runs != nil),
		)
		return appCtx, nil
	}
}

func attachDatabase(ctx context.Context, appCtx *Context, db *postgresql.Client, recordRuns bool) error {
	if recordRuns {
		runs := storage.NewStorage(db.GetDB(), appCtx.Logger)
		if err := runs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare job run ledger: %w", err)
		}
		appCtx.Runs = runs
	}

	appCtx.DB = db
	appCtx.OnClose(db.Close)
	return nil
}
