// Package jobs holds the job functions shipped with the worker
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobworker/internal/appctx"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// Function names
const (
	Echo   = "echo"
	Fail   = "fail"
	Sleep  = "sleep"
	DBPing = "db.ping"
)

// ErrNoDatabase is returned by jobs that need the database when it is disabled
var ErrNoDatabase = errors.New("database is not configured")

// Register adds every built-in job to reg
func Register(reg *worker.Registry) error {
	for name, h := range map[string]worker.Handler{
		Echo:   echo,
		Fail:   fail,
		Sleep:  sleep,
		DBPing: dbPing,
	} {
		if err := reg.Register(name, h); err != nil {
			return fmt.Errorf("failed to register job %q: %w", name, err)
		}
	}
	return nil
}

// EchoResult is what echo returns
type EchoResult struct {
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs"`
}

// echo returns its arguments unchanged
func echo(ctx context.Context, app *appctx.Context, args *domain.Arguments) (any, error) {
	out := EchoResult{Args: args.Args, Kwargs: args.Kwargs}
	if out.Args == nil {
		out.Args = []json.RawMessage{}
	}
	return out, nil
}

// fail always fails, with the first argument as message when given
func fail(ctx context.Context, app *appctx.Context, args *domain.Arguments) (any, error) {
	msg := "requested failure"
	if args.Len() > 0 {
		s, err := args.String(0)
		if err != nil {
			return nil, err
		}
		msg = s
	}
	return nil, errors.New(msg)
}

// sleep waits for the given number of seconds (fractions allowed)
func sleep(ctx context.Context, app *appctx.Context, args *domain.Arguments) (any, error) {
	var seconds float64
	if err := args.Arg(0, &seconds); err != nil {
		return nil, err
	}
	if seconds < 0 {
		return nil, fmt.Errorf("%w: sleep duration must not be negative", domain.ErrSerialization)
	}

	d := time.Duration(seconds * float64(time.Second))
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]float64{"slept": seconds}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}

// dbPing checks the execution context database and reports pool stats
func dbPing(ctx context.Context, app *appctx.Context, args *domain.Arguments) (any, error) {
	if app == nil || app.DB == nil {
		return nil, ErrNoDatabase
	}
	if err := app.DB.HealthCheck(ctx); err != nil {
		return nil, err
	}

	stats := app.DB.Stats()
	if app.Logger != nil {
		app.Logger.Debug("Database ping succeeded",
			slog.String("pool", stats),
		)
	}
	return map[string]string{"status": "ok", "pool": stats}, nil
}
