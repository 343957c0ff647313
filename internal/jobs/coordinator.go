package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Coordinator applies the job lifecycle (create, start, complete, fail) to
// the store and keeps the queues in step with it
type Coordinator struct {
	store          Store
	queue          Queue
	registry       *domain.Registry
	publisher      EventPublisher
	validate       *validator.Validate
	rankClass      string
	dequeueTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// Config holds coordinator dependencies
type Config struct {
	Store          Store
	Queue          Queue
	Registry       *domain.Registry
	Publisher      EventPublisher
	RankClass      string
	DequeueTimeout time.Duration
	Clock          func() time.Time
	Logger         *slog.Logger
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.RankClass == "" {
		cfg.RankClass = domain.RankWorkerClass
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = domain.DefaultDequeueTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Coordinator{
		store:          cfg.Store,
		queue:          cfg.Queue,
		registry:       cfg.Registry,
		publisher:      cfg.Publisher,
		validate:       validator.New(),
		rankClass:      cfg.RankClass,
		dequeueTimeout: cfg.DequeueTimeout,
		now:            func() time.Time { return cfg.Clock().UTC() },
		logger:         cfg.Logger,
	}
}

// CreateJobs validates and persists the descriptors, then enqueues each
// created job. When persisting succeeds but enqueueing fails the created jobs
// are still returned together with the error; reconciliation queues them later.
func (c *Coordinator) CreateJobs(ctx context.Context, descriptors []domain.NewJob) ([]domain.Job, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("%w: no jobs given", domain.ErrInvalidJob)
	}

	now := c.now()
	pending := make([]domain.Job, 0, len(descriptors))
	for i, d := range descriptors {
		if err := c.validate.Struct(d); err != nil {
			return nil, fmt.Errorf("%w: job %d: %v", domain.ErrInvalidJob, i, err)
		}
		if !c.registry.Has(d.WorkerClass) {
			return nil, domain.UnsupportedWorkerClass(d.WorkerClass)
		}
		pending = append(pending, domain.Job{
			ParentID:    d.ParentID,
			WorkerClass: d.WorkerClass,
			Title:       d.Title,
			CreatedBy:   d.CreatedBy,
			CreatedDate: now,
		})
	}

	created, err := c.store.CreateJobs(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("failed to persist jobs: %w", err)
	}

	var errs []error
	for _, job := range created {
		if err := c.queue.Enqueue(job); err != nil {
			c.logger.Error("Failed to enqueue created job",
				slog.Int64("job_id", job.ID),
				slog.String("worker_class", job.WorkerClass),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("job %d: %w", job.ID, err))
		}
	}

	c.logger.Info("Jobs created",
		slog.Int("count", len(created)),
		slog.Int("enqueue_failures", len(errs)),
	)

	if len(errs) > 0 {
		return created, fmt.Errorf("jobs persisted but not queued: %w", errors.Join(errs...))
	}
	return created, nil
}

// Next pulls the oldest queued job among classes and returns its current
// store record. Entries whose job completed meanwhile are dropped. It returns
// (nil, nil) when nothing arrives within timeout.
func (c *Coordinator) Next(ctx context.Context, classes []string, timeout time.Duration) (*domain.Job, error) {
	if timeout <= 0 {
		timeout = c.dequeueTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		queued, err := c.queue.Dequeue(ctx, classes, remaining)
		if err != nil || queued == nil {
			return nil, err
		}

		job, err := c.store.GetJob(ctx, queued.ID)
		if errors.Is(err, domain.ErrJobNotFound) {
			c.logger.Warn("Dropping queued job missing from store", slog.Int64("job_id", queued.ID))
			continue
		}
		if err != nil {
			// Put it back so the pull failure does not lose the job
			if qerr := c.queue.Enqueue(*queued); qerr != nil {
				c.logger.Error("Failed to requeue job after lookup error",
					slog.Int64("job_id", queued.ID),
					slog.Any("error", qerr),
				)
			}
			return nil, fmt.Errorf("failed to load job %d: %w", queued.ID, err)
		}
		if job.IsCompleted() {
			c.logger.Debug("Dropping stale queue entry for completed job", slog.Int64("job_id", job.ID))
			continue
		}
		return job, nil
	}
}

// StartJob records the worker that picked the job up. Starting again
// overwrites the metadata; starting a completed job returns it unchanged.
func (c *Coordinator) StartJob(ctx context.Context, id int64, worker, workerIP string) (*domain.Job, error) {
	job, err := c.store.StartJob(ctx, id, worker, workerIP, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to start job %d: %w", id, err)
	}

	if job.IsCompleted() {
		c.logger.Debug("Start reported for completed job", slog.Int64("job_id", id))
		return job, nil
	}

	c.logger.Info("Job started",
		slog.Int64("job_id", id),
		slog.String("worker", worker),
		slog.String("worker_ip", workerIP),
	)
	return job, nil
}

// CompleteJobs completes each job independently. When the last incomplete
// job of a parent completes, one rank job is created for that parent in the
// same store transaction, queued, and announced to the index publisher.
func (c *Coordinator) CompleteJobs(ctx context.Context, ids []int64) ([]domain.Completion, error) {
	var (
		completions []domain.Completion
		errs        []error
	)

	for _, id := range ids {
		completion, err := c.store.CompleteJob(ctx, id, c.now(), c.fanIn)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to complete job %d: %w", id, err))
			continue
		}
		completions = append(completions, *completion)

		if !completion.Applied {
			c.logger.Debug("Completion replayed for completed job", slog.Int64("job_id", id))
			continue
		}

		c.queue.Remove(id)
		c.logger.Info("Job completed",
			slog.Int64("job_id", id),
			slog.Int64("parent_id", completion.Job.ParentID),
			slog.Int("incomplete_siblings", completion.IncompleteSiblings),
		)

		if completion.FollowUp != nil {
			c.dispatchFollowUp(ctx, *completion.FollowUp)
		}
	}

	return completions, errors.Join(errs...)
}

func (c *Coordinator) fanIn(done domain.Job, incompleteSiblings int) *domain.Job {
	if incompleteSiblings > 0 || done.WorkerClass == c.rankClass {
		return nil
	}
	return &domain.Job{
		ParentID:    done.ParentID,
		WorkerClass: c.rankClass,
		Title:       done.Title,
		CreatedBy:   domain.SystemCreator,
		CreatedDate: c.now(),
	}
}

func (c *Coordinator) dispatchFollowUp(ctx context.Context, job domain.Job) {
	if err := c.queue.Enqueue(job); err != nil {
		c.logger.Error("Failed to enqueue rank job",
			slog.Int64("job_id", job.ID),
			slog.Int64("parent_id", job.ParentID),
			slog.Any("error", err),
		)
	} else {
		c.logger.Info("Rank job queued",
			slog.Int64("job_id", job.ID),
			slog.Int64("parent_id", job.ParentID),
		)
	}

	event := domain.Event{
		Type:     domain.EventPostAnswered,
		ParentID: job.ParentID,
		JobID:    job.ID,
		At:       c.now(),
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("Failed to publish index event",
			slog.Int64("parent_id", job.ParentID),
			slog.Any("error", err),
		)
	}
}

// FailJob records a failed attempt. The job is queued again immediately
// while its retry count stays within its class retry limit; past the limit
// it is completed with the error kept and removed from every queue. A report
// for an attempt that was already failed, or from a worker that no longer
// holds the job, is ignored. Abandoning a job never fans in: a parent whose
// last open sibling is abandoned gets no rank job.
func (c *Coordinator) FailJob(ctx context.Context, attempt domain.FailedAttempt) (*domain.Failure, error) {
	id := attempt.JobID
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}

	limit := c.registry.RetryLimit(job.WorkerClass)
	failure, err := c.store.FailJob(ctx, attempt, limit, c.now())
	if err != nil {
		return nil, fmt.Errorf("failed to record failure of job %d: %w", id, err)
	}
	if !failure.Applied {
		c.logger.Debug("Stale failure report ignored",
			slog.Int64("job_id", id),
			slog.Int("attempt", attempt.Attempt),
			slog.Int("retry_count", failure.Job.RetryCount),
			slog.String("worker", attempt.Worker),
		)
		return failure, nil
	}

	c.queue.Remove(id)

	if failure.Abandoned {
		c.logger.Warn("Job abandoned",
			slog.Int64("job_id", id),
			slog.Int("retry_count", failure.Job.RetryCount),
			slog.Int("retry_limit", limit),
			slog.Any("error", fmt.Errorf("%w: %s", domain.ErrJobRetryExhausted, attempt.Error)),
		)
		return failure, nil
	}

	if err := c.queue.Enqueue(failure.Job); err != nil {
		return failure, fmt.Errorf("failed to requeue job %d: %w", id, err)
	}

	c.logger.Info("Job queued for retry",
		slog.Int64("job_id", id),
		slog.Int("retry_count", failure.Job.RetryCount),
		slog.String("error", attempt.Error),
	)
	return failure, nil
}

// GetJob returns the stored job record
func (c *Coordinator) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	return c.store.GetJob(ctx, id)
}

// ListJobs returns one page of jobs newest first and the cursor of the next
// page, which is nil on the last page
func (c *Coordinator) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, *domain.JobCursor, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}

	jobs, err := c.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	if len(jobs) <= filter.PageSize {
		return jobs, nil, nil
	}

	jobs = jobs[:filter.PageSize]
	last := jobs[len(jobs)-1]
	return jobs, &domain.JobCursor{CreatedDate: last.CreatedDate, ID: last.ID}, nil
}
