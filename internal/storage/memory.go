package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

// MemoryStore keeps job rows in process memory. One mutex serializes every
// mutation, which gives CompleteJob the same fan-in atomicity the Postgres
// advisory lock provides.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[int64]*domain.Job
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[int64]*domain.Job),
	}
}

func (s *MemoryStore) CreateJobs(ctx context.Context, jobs []domain.Job) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]domain.Job, 0, len(jobs))
	for _, job := range jobs {
		created = append(created, s.insertLocked(job))
	}
	return created, nil
}

func (s *MemoryStore) insertLocked(job domain.Job) domain.Job {
	s.nextID++
	row := domain.Job{
		ID:          s.nextID,
		ParentID:    job.ParentID,
		WorkerClass: job.WorkerClass,
		Title:       job.Title,
		CreatedBy:   job.CreatedBy,
		CreatedDate: job.CreatedDate,
	}
	s.jobs[row.ID] = &row
	return row.Clone()
}

func (s *MemoryStore) GetJob(ctx context.Context, id int64) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	job := row.Clone()
	return &job, nil
}

func (s *MemoryStore) StartJob(ctx context.Context, id int64, worker, workerIP string, at time.Time) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !row.IsCompleted() {
		row.StartedDate = &at
		row.Worker = &worker
		row.WorkerIP = &workerIP
	}
	job := row.Clone()
	return &job, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, id int64, at time.Time, fanIn domain.FanInFunc) (*domain.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if row.IsCompleted() {
		return &domain.Completion{Job: row.Clone()}, nil
	}

	row.CompletedDate = &at
	row.Error = nil

	incomplete := 0
	for _, other := range s.jobs {
		if other.ID != id && other.ParentID == row.ParentID && !other.IsCompleted() {
			incomplete++
		}
	}

	completion := &domain.Completion{
		Job:                row.Clone(),
		Applied:            true,
		IncompleteSiblings: incomplete,
	}

	if fanIn != nil {
		if followUp := fanIn(row.Clone(), incomplete); followUp != nil {
			created := s.insertLocked(*followUp)
			completion.FollowUp = &created
		}
	}

	return completion, nil
}

func (s *MemoryStore) FailJob(ctx context.Context, attempt domain.FailedAttempt, retryLimit int, at time.Time) (*domain.Failure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[attempt.JobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !attempt.Matches(row) {
		return &domain.Failure{Job: row.Clone()}, nil
	}

	row.RetryCount++
	row.Error = &attempt.Error

	abandoned := row.RetryCount > retryLimit
	if abandoned {
		row.CompletedDate = &at
	} else {
		row.StartedDate = nil
		row.Worker = nil
		row.WorkerIP = nil
	}

	return &domain.Failure{
		Job:       row.Clone(),
		Applied:   true,
		Abandoned: abandoned,
	}, nil
}

func (s *MemoryStore) IncompleteJobs(ctx context.Context) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, row := range s.jobs {
		if !row.IsCompleted() {
			jobs = append(jobs, row.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, row := range s.jobs {
		if filter.ParentID != 0 && row.ParentID != filter.ParentID {
			continue
		}
		if filter.WorkerClass != "" && row.WorkerClass != filter.WorkerClass {
			continue
		}
		if filter.State != "" && row.State() != filter.State {
			continue
		}
		if c := filter.Cursor; c != nil {
			if row.CreatedDate.After(c.CreatedDate) ||
				(row.CreatedDate.Equal(c.CreatedDate) && row.ID >= c.ID) {
				continue
			}
		}
		jobs = append(jobs, row.Clone())
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedDate.Equal(jobs[j].CreatedDate) {
			return jobs[i].CreatedDate.After(jobs[j].CreatedDate)
		}
		return jobs[i].ID > jobs[j].ID
	})

	if limit := filter.PageSize + 1; filter.PageSize > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}
