package dto

import (
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

type NewJobRequest struct {
	ParentID    int64  `json:"parent_id" binding:"required,gt=0"`
	WorkerClass string `json:"worker_class" binding:"required"`
	Title       string `json:"title"`
	CreatedBy   string `json:"created_by"`
}

type CreateJobsRequest struct {
	Jobs []NewJobRequest `json:"jobs" binding:"required,min=1,dive"`
}

type CreateJobsResponse struct {
	Jobs    []JobDTO `json:"jobs"`
	Warning string   `json:"warning,omitempty"`
}

type NextJobRequest struct {
	Classes []string `form:"classes" binding:"required,min=1"`
	Worker  string   `form:"worker"`
	// Timeout in seconds, capped by the server's dequeue timeout
	Timeout int `form:"timeout" binding:"gte=0"`
}

type StartJobRequest struct {
	Worker   string `json:"worker" binding:"required,max=200"`
	WorkerIP string `json:"worker_ip" binding:"omitempty,ip"`
}

type CompleteJobsRequest struct {
	IDs []int64 `json:"ids" binding:"required,min=1,dive,gt=0"`
}

type FailJobRequest struct {
	Error string `json:"error" binding:"required"`
	// Attempt is the retry_count of the job as it was pulled
	Attempt *int   `json:"attempt" binding:"required,gte=0"`
	Worker  string `json:"worker" binding:"max=200"`
}

type AcceptedResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type ListJobsRequest struct {
	ParentID    int64  `form:"parent_id"`
	WorkerClass string `form:"worker_class"`
	State       string `form:"state" binding:"omitempty,oneof=pending started completed failed"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID            int64   `json:"id"`
	ParentID      int64   `json:"parent_id"`
	WorkerClass   string  `json:"worker_class"`
	Title         string  `json:"title"`
	CreatedBy     string  `json:"created_by"`
	State         string  `json:"state"`
	CreatedDate   string  `json:"created_date"`
	StartedDate   *string `json:"started_date,omitempty"`
	Worker        *string `json:"worker,omitempty"`
	WorkerIP      *string `json:"worker_ip,omitempty"`
	CompletedDate *string `json:"completed_date,omitempty"`
	Error         *string `json:"error,omitempty"`
	RetryCount    int     `json:"retry_count"`
}

// NewJobDTO converts a stored job into its response shape
func NewJobDTO(job domain.Job) JobDTO {
	return JobDTO{
		ID:            job.ID,
		ParentID:      job.ParentID,
		WorkerClass:   job.WorkerClass,
		Title:         job.Title,
		CreatedBy:     job.CreatedBy,
		State:         job.State(),
		CreatedDate:   job.CreatedDate.Format(time.RFC3339),
		StartedDate:   formatTime(job.StartedDate),
		Worker:        job.Worker,
		WorkerIP:      job.WorkerIP,
		CompletedDate: formatTime(job.CompletedDate),
		Error:         job.Error,
		RetryCount:    job.RetryCount,
	}
}

// NewJobDTOs converts a list of stored jobs
func NewJobDTOs(jobs []domain.Job) []JobDTO {
	out := make([]JobDTO, len(jobs))
	for i, job := range jobs {
		out[i] = NewJobDTO(job)
	}
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
