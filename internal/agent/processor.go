package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
)

// processJob reports start, runs the job under the job timeout, then reports the outcome.
// Reporting errors are logged only: the reconciler re-enqueues jobs whose outcome was lost.
func (w *Worker) processJob(ctx context.Context, workerName string, job *dto.JobDTO) {
	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.Int64("job_id", job.ID),
		slog.String("worker_class", job.WorkerClass),
	)

	if err := w.api.Start(ctx, job.ID, workerName); err != nil {
		logger.Error("Failed to report job start", slog.Any("error", err))
		return
	}

	logger.Info("Processing job", slog.Int("retry_count", job.RetryCount))
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err := w.executor.Execute(jobCtx, job)
	cancel()

	if err != nil {
		logger.Error("Job execution failed",
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err),
		)
		if failErr := w.api.Fail(ctx, job.ID, job.RetryCount, workerName, err.Error()); failErr != nil {
			logger.Error("Failed to report job failure", slog.Any("error", failErr))
		}
		return
	}

	if err := w.api.Complete(ctx, job.ID); err != nil {
		logger.Error("Failed to report job completion", slog.Any("error", err))
		return
	}

	logger.Info("Job completed successfully", slog.Duration("elapsed", time.Since(start)))
}
