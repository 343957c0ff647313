package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
)

// APIClient talks to the api-service job endpoints
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates a client for the api-service at baseURL. pollTimeout is
// the long-poll wait; the HTTP timeout is set above it so the server answers first.
func NewAPIClient(baseURL, token string, pollTimeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: pollTimeout + 15*time.Second,
		},
	}
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

// Next long-polls for a job in one of classes. It returns nil, nil when the
// server reports no job within the timeout.
func (c *APIClient) Next(ctx context.Context, classes []string, worker string, timeout time.Duration) (*dto.JobDTO, error) {
	query := url.Values{}
	query.Set("classes", strings.Join(classes, ","))
	query.Set("worker", worker)
	if timeout > 0 {
		query.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	}

	resp, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/next?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var job dto.JobDTO
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Start reports that worker has begun job id
func (c *APIClient) Start(ctx context.Context, id int64, worker string) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/jobs/%d/start", id), dto.StartJobRequest{Worker: worker})
}

// Complete reports the given jobs as done
func (c *APIClient) Complete(ctx context.Context, ids ...int64) error {
	return c.post(ctx, "/api/v1/jobs/complete", dto.CompleteJobsRequest{IDs: ids})
}

// Fail reports that worker's attempt at job id failed. attempt is the retry
// count the job carried when it was pulled.
func (c *APIClient) Fail(ctx context.Context, id int64, attempt int, worker, errMsg string) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/jobs/%d/fail", id), dto.FailJobRequest{
		Error:   errMsg,
		Attempt: &attempt,
		Worker:  worker,
	})
}

func (c *APIClient) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	return nil
}

func (c *APIClient) do(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errResp dto.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
