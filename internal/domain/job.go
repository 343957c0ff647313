package domain

import "time"

// Job is one unit of work: an AI model answer or a ranking pass for a parent entity.
// The durable store owns job rows; queues only hold copies.
type Job struct {
	ID            int64      `db:"id" json:"id"`
	ParentID      int64      `db:"parent_id" json:"parent_id"`
	WorkerClass   string     `db:"worker_class" json:"worker_class"`
	Title         string     `db:"title" json:"title"`
	CreatedBy     string     `db:"created_by" json:"created_by"`
	CreatedDate   time.Time  `db:"created_date" json:"created_date"`
	StartedDate   *time.Time `db:"started_date" json:"started_date,omitempty"`
	Worker        *string    `db:"worker" json:"worker,omitempty"`
	WorkerIP      *string    `db:"worker_ip" json:"worker_ip,omitempty"`
	CompletedDate *time.Time `db:"completed_date" json:"completed_date,omitempty"`
	Error         *string    `db:"error" json:"error,omitempty"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
}

// NewJob is a job descriptor submitted for creation
type NewJob struct {
	ParentID    int64  `json:"parent_id" validate:"required,gt=0"`
	WorkerClass string `json:"worker_class" validate:"required,max=100"`
	Title       string `json:"title" validate:"max=500"`
	CreatedBy   string `json:"created_by" validate:"max=200"`
}

// IsCompleted reports whether the job reached a terminal state
func (j *Job) IsCompleted() bool {
	return j.CompletedDate != nil
}

// IsStarted reports whether a worker reported the job as started
func (j *Job) IsStarted() bool {
	return j.StartedDate != nil
}

// State derives a display state from the job's timestamps.
// A completed job with an error recorded is FAILED (abandoned after retries).
func (j *Job) State() string {
	switch {
	case j.CompletedDate != nil && j.Error != nil && *j.Error != "":
		return JobStateFailed
	case j.CompletedDate != nil:
		return JobStateCompleted
	case j.StartedDate != nil:
		return JobStateStarted
	default:
		return JobStatePending
	}
}

// StartedBefore reports whether the job was started before t and is still incomplete
func (j *Job) StartedBefore(t time.Time) bool {
	return j.StartedDate != nil && j.CompletedDate == nil && j.StartedDate.Before(t)
}

// Clone returns a deep copy so callers cannot mutate shared pointer fields
func (j Job) Clone() Job {
	c := j
	c.StartedDate = cloneTime(j.StartedDate)
	c.CompletedDate = cloneTime(j.CompletedDate)
	c.Worker = cloneString(j.Worker)
	c.WorkerIP = cloneString(j.WorkerIP)
	c.Error = cloneString(j.Error)
	return c
}

// Completion is the outcome of marking one job completed
type Completion struct {
	Job Job
	// Applied is false when the job was already completed before the call
	Applied bool
	// IncompleteSiblings counts other jobs with the same ParentID still incomplete
	IncompleteSiblings int
	// FollowUp is the job synthesized by fan-in, persisted in the same transaction
	FollowUp *Job
}

// FailedAttempt is a worker's report that one attempt at a job failed.
// Attempt is the RetryCount the worker saw when it pulled the job; a report
// whose Attempt no longer matches the stored count is stale and is ignored.
type FailedAttempt struct {
	JobID   int64
	Attempt int
	// Worker, when set, must match the worker recorded by the latest start
	Worker string
	Error  string
}

// Matches reports whether the attempt still refers to the current attempt of job
func (a FailedAttempt) Matches(job *Job) bool {
	if job.IsCompleted() || job.RetryCount != a.Attempt {
		return false
	}
	return a.Worker == "" || job.Worker == nil || *job.Worker == a.Worker
}

// Failure is the outcome of recording one failed attempt
type Failure struct {
	Job Job
	// Applied is false when the job was already completed or the report was stale
	Applied bool
	// Abandoned is true when this failure pushed RetryCount past the retry limit
	Abandoned bool
}

// FanInFunc decides, inside the completion transaction, whether a follow-up job is created
type FanInFunc func(done Job, incompleteSiblings int) *Job

// JobFilter narrows a job listing
type JobFilter struct {
	ParentID    int64
	WorkerClass string
	State       string
	PageSize    int
	Cursor      *JobCursor
}

// JobCursor is a keyset position in a listing ordered by created_date DESC, id DESC
type JobCursor struct {
	CreatedDate time.Time
	ID          int64
}

// Event is a side-effect notification emitted to external collaborators
type Event struct {
	Type     string    `json:"type"`
	ParentID int64     `json:"parent_id"`
	JobID    int64     `json:"job_id,omitempty"`
	At       time.Time `json:"at"`
}

// EventPostAnswered is emitted when every answer job of a parent completed and ranking was queued
const EventPostAnswered = "post.answered"

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
