package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobworker/internal/broker"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/spf13/cobra"
)

func newEnqueueCommand(opts *options) *cobra.Command {
	var (
		queue  string
		kwargs string
	)

	cmd := &cobra.Command{
		Use:   "enqueue FUNC [ARG...]",
		Short: "Put a job on a queue",
		Long: "Put a job on a queue. Each ARG is decoded as JSON; anything that " +
			"is not valid JSON is passed as a string.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := worker.NewQueueSet([]string{queue}); err != nil {
				return err
			}

			jobArgs := parseJobArgs(args[1:])
			var jobKwargs map[string]any
			if kwargs != "" {
				if err := json.Unmarshal([]byte(kwargs), &jobKwargs); err != nil {
					return fmt.Errorf("invalid --kwargs: %w", err)
				}
			}

			job, err := domain.NewJob(args[0], jobArgs, jobKwargs)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			appLogger, err := initLogger(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer appLogger.Close()

			b, err := broker.Open(cfg, appLogger.Logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.Enqueue(cmd.Context(), queue, job); err != nil {
				return fmt.Errorf("failed to enqueue job: %w", err)
			}

			appLogger.Debug("Job enqueued",
				slog.String("job_id", job.ID),
				slog.String("queue", queue),
			)
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "Target queue")
	cmd.Flags().StringVar(&kwargs, "kwargs", "", "Keyword arguments as a JSON object")
	return cmd
}

// parseJobArgs decodes each raw argument as JSON, keeping it as a string
// when it does not parse
func parseJobArgs(raw []string) []any {
	out := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			out[i] = s
			continue
		}
		out[i] = v
	}
	return out
}
