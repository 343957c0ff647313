package router

import (
	"context"
	"net/http"

	"github.com/cuongbtq/answer-queue/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options holds router settings that are not handler dependencies
type Options struct {
	JWTSecret []byte
	// Metrics serves the Prometheus exposition; nil disables /metrics
	Metrics http.Handler
	// HealthCheck reports store and broker health; nil means always healthy
	HealthCheck func(ctx context.Context) error
}

// HealthChecks runs every non-nil check in order and returns the first error
func HealthChecks(checks ...func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if opts.HealthCheck != nil {
			if err := opts.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "answer-queue-api",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "answer-queue-api",
		})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	jobHandler := handler.NewJobHandler(deps)
	adminHandler := handler.NewAdminHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a batch of jobs
			jobs.POST("", jobHandler.CreateJobs)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/next - Long-poll for the next job
			jobs.GET("/next", jobHandler.NextJob)

			// POST /api/v1/jobs/complete - Report completed jobs
			jobs.POST("/complete", jobHandler.CompleteJobs)

			// GET /api/v1/jobs/:id - Get job details
			jobs.GET("/:id", jobHandler.GetJob)

			// POST /api/v1/jobs/:id/start - Report a job as started
			jobs.POST("/:id/start", jobHandler.StartJob)

			// POST /api/v1/jobs/:id/fail - Report a failed attempt
			jobs.POST("/:id/fail", jobHandler.FailJob)
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/reconcile", adminHandler.Reconcile)
			admin.GET("/queues", adminHandler.Queues)
			admin.GET("/classes", adminHandler.Classes)
			admin.PUT("/classes/:name", RequireRole(opts.JWTSecret, RoleAdmin), adminHandler.RegisterClass)

			metrics := admin.Group("/metrics", RequireRole(opts.JWTSecret, RoleAdmin))
			metrics.GET("", adminHandler.Metrics)
			metrics.DELETE("", adminHandler.ResetMetrics)
		}
	}

	return r
}
