package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
	"github.com/cuongbtq/answer-queue/internal/command"
	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/cuongbtq/answer-queue/internal/queue"
	"github.com/gin-gonic/gin"
)

// Dispatcher hands composite command messages to background execution
type Dispatcher interface {
	Dispatch(ctx context.Context, msg jobs.Message) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger         *slog.Logger
	Coordinator    *jobs.Coordinator
	Reconciler     *jobs.Reconciler
	Router         *queue.Router
	Engine         *command.Engine
	Dispatcher     Dispatcher
	DequeueTimeout time.Duration
}

// JobHandler handles job lifecycle HTTP requests
type JobHandler struct {
	logger         *slog.Logger
	coordinator    *jobs.Coordinator
	engine         *command.Engine
	dispatcher     Dispatcher
	dequeueTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	timeout := deps.DequeueTimeout
	if timeout <= 0 {
		timeout = domain.DefaultDequeueTimeout
	}
	return &JobHandler{
		logger:         deps.Logger,
		coordinator:    deps.Coordinator,
		engine:         deps.Engine,
		dispatcher:     deps.Dispatcher,
		dequeueTimeout: timeout,
	}
}

// AdminHandler handles operator requests: reconciliation, queue and command metrics
type AdminHandler struct {
	logger     *slog.Logger
	reconciler *jobs.Reconciler
	router     *queue.Router
	engine     *command.Engine
}

// NewAdminHandler creates a new AdminHandler instance
func NewAdminHandler(deps *Dependencies) *AdminHandler {
	return &AdminHandler{
		logger:     deps.Logger,
		reconciler: deps.Reconciler,
		router:     deps.Router,
		engine:     deps.Engine,
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnsupportedWorkerClass), errors.Is(err, domain.ErrInvalidJob):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, dto.ErrorResponse{Error: msg})
}
