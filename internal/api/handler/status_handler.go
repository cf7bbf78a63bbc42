package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/gin-gonic/gin"
)

// WorkerStatus is the read-only view of a running worker
type WorkerStatus interface {
	Name() string
	State() worker.State
	Queues() []string
	Processed() int64
	Failed() int64
	Ping(ctx context.Context) error
}

// StatusHandler serves the worker status endpoint
type StatusHandler struct {
	logger *slog.Logger
	worker WorkerStatus
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(logger *slog.Logger, w WorkerStatus) *StatusHandler {
	return &StatusHandler{logger: logger, worker: w}
}

// Health handles GET /health. It reports 503 once the loop has stopped or
// the broker stops answering.
func (h *StatusHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	state := h.worker.State()
	body := gin.H{
		"status":    "healthy",
		"worker":    h.worker.Name(),
		"state":     state.String(),
		"queues":    h.worker.Queues(),
		"processed": h.worker.Processed(),
		"failed":    h.worker.Failed(),
	}

	code := http.StatusOK
	if err := h.worker.Ping(ctx); err != nil {
		h.logger.Warn("Broker health check failed", slog.String("error", err.Error()))
		body["status"] = "unhealthy"
		body["broker_error"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if state == worker.StateStopping || state == worker.StateStopped {
		body["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, body)
}
