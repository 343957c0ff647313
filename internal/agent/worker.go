package agent

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
)

// JobAPI is the subset of the api-service the worker calls
type JobAPI interface {
	Next(ctx context.Context, classes []string, worker string, timeout time.Duration) (*dto.JobDTO, error)
	Start(ctx context.Context, id int64, worker string) error
	Complete(ctx context.Context, ids ...int64) error
	Fail(ctx context.Context, id int64, attempt int, worker, errMsg string) error
}

// Config holds worker configuration
type Config struct {
	Logger      *slog.Logger
	API         JobAPI
	Executor    Executor
	Name        string
	Classes     []string
	Concurrency int
	PollTimeout time.Duration
	JobTimeout  time.Duration
	// ErrorBackoff spaces out pulls after the API returns an error
	ErrorBackoff time.Duration
}

// Worker pulls jobs for its classes and runs them on a goroutine pool
type Worker struct {
	logger      *slog.Logger
	api         JobAPI
	executor    Executor
	workerID    string
	classes     []string
	concurrency int
	pollTimeout time.Duration
	jobTimeout  time.Duration
	errLimiter  *rate.Limiter
	wg          sync.WaitGroup
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	name := cfg.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "worker"
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		logger:      logger,
		api:         cfg.API,
		executor:    cfg.Executor,
		workerID:    name + "-" + uuid.NewString()[:8],
		classes:     cfg.Classes,
		concurrency: concurrency,
		pollTimeout: cfg.PollTimeout,
		jobTimeout:  jobTimeout,
		errLimiter:  rate.NewLimiter(rate.Every(backoff), 1),
		stopChan:    make(chan struct{}),
	}
}

// ID returns the worker identity reported to the api-service
func (w *Worker) ID() string {
	return w.workerID
}

// Start spawns the pool and blocks until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Any("classes", w.classes),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}
	return nil
}

// Stop signals the pool to stop pulling and waits for in-flight jobs to be reported
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
