package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/jobworker/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router of the producer API
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "jobworker-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		queues := v1.Group("/queues/:queue")
		{
			// POST /api/v1/queues/:queue/jobs - Enqueue a job
			queues.POST("/jobs", jobHandler.EnqueueJob)

			// GET /api/v1/queues/:queue - Queue length
			queues.GET("", jobHandler.GetQueue)

			// GET /api/v1/queues/:queue/failed - Failed job registry
			queues.GET("/failed", jobHandler.ListFailedJobs)
		}

		// GET /api/v1/jobs/:job_id - Get job details
		v1.GET("/jobs/:job_id", jobHandler.GetJob)
	}

	return r
}

// SetupStatusRouter configures the worker's health and metrics endpoints
func SetupStatusRouter(logger *slog.Logger, w handler.WorkerStatus, metrics http.Handler) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))

	statusHandler := handler.NewStatusHandler(logger, w)
	r.GET("/health", statusHandler.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	return r
}
