package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
)

// Executor runs one job. A nil error means the job is complete.
type Executor interface {
	Execute(ctx context.Context, job *dto.JobDTO) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, job *dto.JobDTO) error

func (f ExecutorFunc) Execute(ctx context.Context, job *dto.JobDTO) error {
	return f(ctx, job)
}

// ExecutionRequest is the body posted to the model endpoint
type ExecutionRequest struct {
	JobID       int64  `json:"job_id"`
	ParentID    int64  `json:"parent_id"`
	WorkerClass string `json:"worker_class"`
	Title       string `json:"title"`
	RetryCount  int    `json:"retry_count"`
}

// HTTPExecutor posts the job to a model endpoint; any 2xx response is success
type HTTPExecutor struct {
	url    string
	client *http.Client
}

// NewHTTPExecutor creates an executor for url. Per-job deadlines come from the context.
func NewHTTPExecutor(url string) *HTTPExecutor {
	return &HTTPExecutor{url: url, client: &http.Client{}}
}

func (e *HTTPExecutor) Execute(ctx context.Context, job *dto.JobDTO) error {
	payload, err := json.Marshal(ExecutionRequest{
		JobID:       job.ID,
		ParentID:    job.ParentID,
		WorkerClass: job.WorkerClass,
		Title:       job.Title,
		RetryCount:  job.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build executor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return fmt.Errorf("executor returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("executor returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
