package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

// Report summarizes one reconciliation pass
type Report struct {
	Queued        int `json:"queued"`
	Incomplete    int `json:"incomplete"`
	Started       int `json:"started"`
	Missing       int `json:"missing"`
	Lost          int `json:"lost"`
	AlreadyQueued int `json:"already_queued"`
	Requeued      int `json:"requeued"`
	Unroutable    int `json:"unroutable"`
}

// String renders the report as the plain-text body operators read
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queued: %d\n", r.Queued)
	fmt.Fprintf(&b, "Incomplete in store: %d\n", r.Incomplete)
	fmt.Fprintf(&b, "Started in progress: %d\n", r.Started)
	fmt.Fprintf(&b, "Missing: %d\n", r.Missing)
	fmt.Fprintf(&b, "Lost: %d\n", r.Lost)
	fmt.Fprintf(&b, "Lost but still queued: %d\n", r.AlreadyQueued)
	fmt.Fprintf(&b, "Re-enqueued: %d\n", r.Requeued)
	fmt.Fprintf(&b, "Unroutable: %d\n", r.Unroutable)
	return b.String()
}

// Reconciler rebuilds queue contents from the durable incomplete job set
type Reconciler struct {
	store    Store
	queue    Queue
	registry *domain.Registry
	now      func() time.Time
	logger   *slog.Logger
}

// NewReconciler creates a new Reconciler; a nil clock uses time.Now
func NewReconciler(store Store, queue Queue, registry *domain.Registry, clock func() time.Time, logger *slog.Logger) *Reconciler {
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:    store,
		queue:    queue,
		registry: registry,
		now:      clock,
		logger:   logger,
	}
}

// Reconcile re-enqueues incomplete jobs that are in no queue and were never
// started (missing), and jobs started longer ago than their class staleness
// threshold (lost). It never writes to the store.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	// The store is read before the queues so a job persisted and queued
	// concurrently is seen in its queue rather than reported missing.
	incomplete, err := r.store.IncompleteJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load incomplete jobs: %w", err)
	}
	queued := r.queue.QueuedIDs()
	now := r.now()

	report := &Report{
		Queued:     r.queue.Total(),
		Incomplete: len(incomplete),
	}

	var requeue []domain.Job
	for _, job := range incomplete {
		_, inQueue := queued[job.ID]

		if job.IsStarted() {
			report.Started++
		}

		switch {
		case !job.IsStarted() && !inQueue:
			report.Missing++
			requeue = append(requeue, job)
		case job.StartedBefore(now.Add(-r.registry.StaleAfter(job.WorkerClass))):
			report.Lost++
			if inQueue {
				report.AlreadyQueued++
				continue
			}
			requeue = append(requeue, job)
		}
	}

	for _, job := range requeue {
		if err := r.queue.Enqueue(job); err != nil {
			if !errors.Is(err, domain.ErrUnsupportedWorkerClass) {
				return report, fmt.Errorf("failed to requeue job %d: %w", job.ID, err)
			}
			report.Unroutable++
			r.logger.Error("Cannot requeue job with unregistered worker class",
				slog.Int64("job_id", job.ID),
				slog.String("worker_class", job.WorkerClass),
			)
			continue
		}
		report.Requeued++
	}

	r.logger.Info("Reconciliation finished",
		slog.Int("queued", report.Queued),
		slog.Int("incomplete", report.Incomplete),
		slog.Int("started", report.Started),
		slog.Int("missing", report.Missing),
		slog.Int("lost", report.Lost),
		slog.Int("requeued", report.Requeued),
		slog.Int("unroutable", report.Unroutable),
	)

	return report, nil
}
