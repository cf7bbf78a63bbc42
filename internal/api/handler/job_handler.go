package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobworker/internal/api/dto"
	"github.com/cuongbtq/jobworker/internal/worker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultFailedLimit = 20
	maxFailedLimit     = 100
)

// validQueue checks the :queue path parameter with the binding rules
func (h *JobHandler) validQueue(c *gin.Context) (string, bool) {
	queue := c.Param("queue")
	if _, err := worker.NewQueueSet([]string{queue}); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid queue name",
		})
		return "", false
	}
	return queue, true
}

// EnqueueJob handles POST /api/v1/queues/:queue/jobs
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	queue, ok := h.validQueue(c)
	if !ok {
		return
	}

	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := domain.NewJob(req.Func, req.Args, req.Kwargs)
	if err != nil {
		h.logger.Error("Invalid job arguments", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid job arguments",
		})
		return
	}

	if err := h.producer.Enqueue(c.Request.Context(), queue, job); err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.String("queue", queue),
		slog.String("func", job.Func),
	)
	c.JSON(http.StatusCreated, dto.FromJob(job))
}

// GetQueue handles GET /api/v1/queues/:queue
func (h *JobHandler) GetQueue(c *gin.Context) {
	queue, ok := h.validQueue(c)
	if !ok {
		return
	}
	if h.inspector == nil {
		h.unsupported(c)
		return
	}

	n, err := h.inspector.QueueLength(c.Request.Context(), queue)
	if err != nil {
		h.inspectError(c, "Failed to read queue", err)
		return
	}

	c.JSON(http.StatusOK, dto.QueueDTO{Name: queue, Length: n})
}

// ListFailedJobs handles GET /api/v1/queues/:queue/failed
func (h *JobHandler) ListFailedJobs(c *gin.Context) {
	queue, ok := h.validQueue(c)
	if !ok {
		return
	}

	var req dto.ListFailedRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultFailedLimit
	}
	if req.Limit > maxFailedLimit {
		req.Limit = maxFailedLimit
	}

	if h.inspector == nil {
		h.unsupported(c)
		return
	}

	jobs, err := h.inspector.FailedJobs(c.Request.Context(), queue, req.Limit)
	if err != nil {
		h.inspectError(c, "Failed to list failed jobs", err)
		return
	}

	resp := dto.ListJobsResponse{Queue: queue, Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = dto.FromJob(job)
	}
	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	ctx := c.Request.Context()

	var brokerErr error = domain.ErrUnsupported
	if h.inspector != nil {
		job, err := h.inspector.FetchJob(ctx, jobID)
		if err == nil {
			c.JSON(http.StatusOK, dto.FromJob(job))
			return
		}
		brokerErr = err
	}

	if !errors.Is(brokerErr, domain.ErrJobNotFound) && !errors.Is(brokerErr, domain.ErrUnsupported) {
		h.inspectError(c, "Failed to get job", brokerErr)
		return
	}

	// Completed jobs leave the broker; the ledger still knows them
	if h.runs != nil {
		run, err := h.runs.GetRun(ctx, jobID)
		if err == nil {
			c.JSON(http.StatusOK, dto.FromRun(run))
			return
		}
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.inspectError(c, "Failed to get job", err)
			return
		}
		brokerErr = domain.ErrJobNotFound
	}

	h.inspectError(c, "Failed to get job", brokerErr)
}

func (h *JobHandler) unsupported(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error": "Operation not supported by the configured broker",
	})
}

// inspectError maps broker errors onto status codes
func (h *JobHandler) inspectError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
	case errors.Is(err, domain.ErrUnsupported):
		h.unsupported(c)
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}
