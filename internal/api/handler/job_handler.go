package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CreateJobs handles POST /api/v1/jobs
// Persists and queues a batch of jobs; runs synchronously so the caller gets the ids
func (h *JobHandler) CreateJobs(c *gin.Context) {
	var req dto.CreateJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.Any("error", err))
		writeError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	descriptors := make([]domain.NewJob, len(req.Jobs))
	for i, j := range req.Jobs {
		descriptors[i] = domain.NewJob{
			ParentID:    j.ParentID,
			WorkerClass: j.WorkerClass,
			Title:       j.Title,
			CreatedBy:   j.CreatedBy,
		}
	}

	var (
		created []domain.Job
		err     error
	)
	request := jobs.CreateJobsRequest{Jobs: descriptors}
	h.engine.Execute(c.Request.Context(), jobs.CommandCreateJobs, request, func(ctx context.Context) error {
		created, err = h.coordinator.CreateJobs(ctx, descriptors)
		return err
	})

	if err != nil && len(created) == 0 {
		h.logger.Error("Failed to create jobs", slog.Any("error", err))
		writeError(c, statusFor(err), err.Error())
		return
	}

	resp := dto.CreateJobsResponse{Jobs: dto.NewJobDTOs(created)}
	if err != nil {
		// persisted but not queued; reconciliation picks them up
		resp.Warning = err.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

// NextJob handles GET /api/v1/jobs/next
// Long-polls for the oldest job among the requested classes; 204 when none arrives in time
func (h *JobHandler) NextJob(c *gin.Context) {
	var req dto.NextJobRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid query parameters: "+err.Error())
		return
	}

	classes := splitClasses(req.Classes)
	if len(classes) == 0 {
		writeError(c, http.StatusBadRequest, "classes is required")
		return
	}

	timeout := h.dequeueTimeout
	if req.Timeout > 0 && time.Duration(req.Timeout)*time.Second < timeout {
		timeout = time.Duration(req.Timeout) * time.Second
	}

	job, err := h.coordinator.Next(c.Request.Context(), classes, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.logger.Debug("Pull abandoned by client", slog.String("worker", req.Worker))
			c.Status(499)
			return
		}
		h.logger.Error("Failed to pull job",
			slog.Any("classes", classes),
			slog.Any("error", err),
		)
		writeError(c, statusFor(err), err.Error())
		return
	}

	if job == nil {
		c.Status(http.StatusNoContent)
		return
	}

	h.logger.Info("Job handed out",
		slog.Int64("job_id", job.ID),
		slog.String("worker_class", job.WorkerClass),
		slog.String("worker", req.Worker),
	)
	c.JSON(http.StatusOK, dto.NewJobDTO(*job))
}

// StartJob handles POST /api/v1/jobs/:id/start
func (h *JobHandler) StartJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	var req dto.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.WorkerIP == "" {
		req.WorkerIP = c.ClientIP()
	}

	h.dispatch(c, jobs.Message{Start: &jobs.StartJobRequest{ID: id, Worker: req.Worker, WorkerIP: req.WorkerIP}})
}

// CompleteJobs handles POST /api/v1/jobs/complete
func (h *JobHandler) CompleteJobs(c *gin.Context) {
	var req dto.CompleteJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	h.dispatch(c, jobs.Message{Complete: &jobs.CompleteJobsRequest{IDs: req.IDs}})
}

// FailJob handles POST /api/v1/jobs/:id/fail
func (h *JobHandler) FailJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	var req dto.FailJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	h.dispatch(c, jobs.Message{Fail: &jobs.FailJobRequest{
		ID:      id,
		Attempt: *req.Attempt,
		Worker:  req.Worker,
		Error:   req.Error,
	}})
}

func (h *JobHandler) dispatch(c *gin.Context, msg jobs.Message) {
	msg.ID = uuid.NewString()
	if err := h.dispatcher.Dispatch(c.Request.Context(), msg); err != nil {
		h.logger.Error("Failed to dispatch command message",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		writeError(c, http.StatusServiceUnavailable, "Failed to dispatch command")
		return
	}

	c.JSON(http.StatusAccepted, dto.AcceptedResponse{MessageID: msg.ID, Status: "accepted"})
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}

	job, err := h.coordinator.GetJob(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			h.logger.Error("Failed to get job", slog.Int64("job_id", id), slog.Any("error", err))
		}
		writeError(c, statusFor(err), err.Error())
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(*job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.Any("error", err))
		writeError(c, http.StatusBadRequest, "Invalid query parameters")
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.Any("error", err))
		writeError(c, http.StatusBadRequest, "Invalid cursor")
		return
	}

	filter := domain.JobFilter{
		ParentID:    req.ParentID,
		WorkerClass: req.WorkerClass,
		State:       strings.ToUpper(req.State),
		PageSize:    req.PageSize,
		Cursor:      cursor,
	}

	page, next, err := h.coordinator.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.Any("error", err))
		writeError(c, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	resp := dto.ListJobsResponse{Jobs: dto.NewJobDTOs(page)}
	if next != nil {
		resp.NextCursor = EncodeJobCursor(next)
	}
	c.JSON(http.StatusOK, resp)
}

func jobID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// splitClasses accepts both repeated and comma-separated class parameters
func splitClasses(raw []string) []string {
	var classes []string
	for _, r := range raw {
		for _, class := range strings.Split(r, ",") {
			if class = strings.TrimSpace(class); class != "" {
				classes = append(classes, class)
			}
		}
	}
	return classes
}
