package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
	"github.com/cuongbtq/answer-queue/internal/command"
	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/gin-gonic/gin"
)

// Reconcile handles POST /api/v1/admin/reconcile
// Repairs queue contents from the store and returns a plain-text report
func (h *AdminHandler) Reconcile(c *gin.Context) {
	var (
		report *jobs.Report
		err    error
	)
	h.engine.Execute(c.Request.Context(), jobs.CommandReconcile, jobs.ReconcileRequest{}, func(ctx context.Context) error {
		report, err = h.reconciler.Reconcile(ctx)
		return err
	})

	if err != nil {
		h.logger.Error("Reconciliation failed", slog.Any("error", err))
		c.String(http.StatusInternalServerError, "Reconciliation failed: %s\n", err.Error())
		return
	}

	c.String(http.StatusOK, report.String())
}

// Queues handles GET /api/v1/admin/queues
func (h *AdminHandler) Queues(c *gin.Context) {
	classes := splitClasses(c.QueryArray("classes"))

	snapshot, err := h.router.Snapshot(classes...)
	if err != nil {
		writeError(c, statusFor(err), err.Error())
		return
	}

	resp := dto.QueuesResponse{Queues: make(map[string]dto.QueueDTO, len(snapshot))}
	for class, queued := range snapshot {
		ids := make([]int64, len(queued))
		for i, job := range queued {
			ids[i] = job.ID
		}
		resp.Queues[class] = dto.QueueDTO{Depth: len(queued), JobIDs: ids}
		resp.Total += len(queued)
	}

	c.JSON(http.StatusOK, resp)
}

// Classes handles GET /api/v1/admin/classes
func (h *AdminHandler) Classes(c *gin.Context) {
	names := h.router.Classes()
	resp := make([]dto.WorkerClassDTO, 0, len(names))
	for _, name := range names {
		wc, ok := h.router.Policy(name)
		if !ok {
			continue
		}
		depth, _ := h.router.Len(name)
		resp = append(resp, toWorkerClassDTO(wc, depth))
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterClass handles PUT /api/v1/admin/classes/:name
// Adds a worker class at runtime or replaces the policy of an existing one
func (h *AdminHandler) RegisterClass(c *gin.Context) {
	var req dto.RegisterClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	name := strings.TrimSpace(c.Param("name"))
	err := h.router.Register(domain.WorkerClass{
		Name:       name,
		RetryLimit: req.RetryLimit,
		StaleAfter: time.Duration(req.StaleAfterSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	wc, _ := h.router.Policy(name)
	depth, _ := h.router.Len(name)
	h.logger.Info("Worker class policy updated",
		slog.String("worker_class", name),
		slog.Int("retry_limit", wc.RetryLimit),
		slog.Duration("stale_after", wc.StaleAfter),
	)
	c.JSON(http.StatusOK, toWorkerClassDTO(wc, depth))
}

func toWorkerClassDTO(wc domain.WorkerClass, depth int) dto.WorkerClassDTO {
	return dto.WorkerClassDTO{
		Name:              wc.Name,
		RetryLimit:        wc.RetryLimit,
		StaleAfterSeconds: int(wc.StaleAfter / time.Second),
		Depth:             depth,
	}
}

// Metrics handles GET /api/v1/admin/metrics
// Returns the latest successes, latest failures and per-command summaries
func (h *AdminHandler) Metrics(c *gin.Context) {
	var req dto.MetricsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid query parameters")
		return
	}

	var stats command.Stats
	h.engine.Execute(c.Request.Context(), command.ViewMetricsCommand, req, func(context.Context) error {
		stats = h.engine.Stats(req.IncludeStackTraces)
		return nil
	})

	c.JSON(http.StatusOK, stats)
}

// ResetMetrics handles DELETE /api/v1/admin/metrics
func (h *AdminHandler) ResetMetrics(c *gin.Context) {
	h.engine.Reset()
	c.Status(http.StatusNoContent)
}
