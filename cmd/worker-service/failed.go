package main

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/jobworker/internal/api/dto"
	"github.com/cuongbtq/jobworker/internal/broker"
	"github.com/spf13/cobra"
)

func newFailedCommand(opts *options) *cobra.Command {
	var (
		queue string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List failed jobs of a queue, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			jobs, err := b.FailedJobs(cmd.Context(), queue, limit)
			if err != nil {
				return fmt.Errorf("failed to list failed jobs: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, job := range jobs {
				if err := enc.Encode(dto.FromJob(job)); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queue, "queue", "q", "default", "Queue to inspect")
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum number of jobs")
	return cmd
}
