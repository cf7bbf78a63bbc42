package handler

import (
	"log/slog"

	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/storage"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Producer  worker.Producer
	Inspector worker.Inspector

	// Runs is optional; when set it answers lookups for jobs the broker
	// no longer holds
	Runs *storage.Storage
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	producer  worker.Producer
	inspector worker.Inspector
	runs      *storage.Storage
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		producer:  deps.Producer,
		inspector: deps.Inspector,
		runs:      deps.Runs,
	}
}
