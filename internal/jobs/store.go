package jobs

import (
	"context"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

// Store is the durable job record set. Every mutation must be safe to replay
// with identical inputs: Start, Complete and Fail on a completed job change nothing,
// and a Fail whose attempt was already recorded changes nothing.
type Store interface {
	CreateJobs(ctx context.Context, jobs []domain.Job) ([]domain.Job, error)
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	StartJob(ctx context.Context, id int64, worker, workerIP string, at time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, id int64, at time.Time, fanIn domain.FanInFunc) (*domain.Completion, error)
	FailJob(ctx context.Context, attempt domain.FailedAttempt, retryLimit int, at time.Time) (*domain.Failure, error)
	IncompleteJobs(ctx context.Context) ([]domain.Job, error)
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)
}

// Queue is the transient per-class job router
type Queue interface {
	Enqueue(job domain.Job) error
	Dequeue(ctx context.Context, classes []string, timeout time.Duration) (*domain.Job, error)
	Remove(id int64) int
	QueuedIDs() map[int64]struct{}
	Total() int
}

// EventPublisher delivers side-effect events such as search index requests
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// NopPublisher discards every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }
