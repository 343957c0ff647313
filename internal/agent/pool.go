package agent

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop pulls and processes jobs until the worker is stopped
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	// pulls are aborted on Stop as well as on ctx cancel
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-pullCtx.Done():
		}
	}()

	for {
		if pullCtx.Err() != nil {
			w.logger.Debug("Worker goroutine stopping", slog.String("worker_name", workerName))
			return
		}

		job, err := w.api.Next(pullCtx, w.classes, workerName, w.pollTimeout)
		if err != nil {
			if pullCtx.Err() != nil {
				continue
			}
			w.logger.Warn("Failed to pull job",
				slog.String("worker_name", workerName),
				slog.Any("error", err),
			)
			// returns early only when the worker is stopping
			_ = w.errLimiter.Wait(pullCtx)
			continue
		}

		if job == nil {
			continue
		}

		// in-flight jobs finish and are reported even during shutdown
		w.processJob(context.WithoutCancel(ctx), workerName, job)
	}
}
