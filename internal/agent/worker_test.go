package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/answer-queue/internal/api/dto"
)

// fakeAPI hands out queued jobs and records every report
type fakeAPI struct {
	mu        sync.Mutex
	pending   []*dto.JobDTO
	pullErrs  int
	started   []int64
	completed []int64
	failed    map[int64]string
	workers   map[string]struct{}
	startErr  error
}

func newFakeAPI(jobs ...*dto.JobDTO) *fakeAPI {
	return &fakeAPI{
		pending: jobs,
		failed:  make(map[int64]string),
		workers: make(map[string]struct{}),
	}
}

func (f *fakeAPI) Next(ctx context.Context, classes []string, worker string, timeout time.Duration) (*dto.JobDTO, error) {
	f.mu.Lock()
	f.workers[worker] = struct{}{}
	if f.pullErrs > 0 {
		f.pullErrs--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if len(f.pending) > 0 {
		job := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return job, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeAPI) Start(ctx context.Context, id int64, worker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) Complete(ctx context.Context, ids ...int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, ids...)
	return nil
}

func (f *fakeAPI) Fail(ctx context.Context, id int64, attempt int, worker, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

func (f *fakeAPI) snapshot() (started, completed []int64, failed map[int64]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	failed = make(map[int64]string, len(f.failed))
	for k, v := range f.failed {
		failed[k] = v
	}
	return append([]int64(nil), f.started...), append([]int64(nil), f.completed...), failed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runWorker(t *testing.T, cfg *Config) (*Worker, context.CancelFunc) {
	t.Helper()
	cfg.Logger = discardLogger()
	if cfg.Classes == nil {
		cfg.Classes = []string{"gemma"}
	}
	w := NewWorker(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		w.Stop()
		<-done
	})
	return w, cancel
}

func TestWorker_ProcessesJobs(t *testing.T) {
	api := newFakeAPI(
		&dto.JobDTO{ID: 1, WorkerClass: "gemma"},
		&dto.JobDTO{ID: 2, WorkerClass: "gemma"},
		&dto.JobDTO{ID: 3, WorkerClass: "gemma"},
	)
	exec := ExecutorFunc(func(ctx context.Context, job *dto.JobDTO) error {
		if job.ID == 2 {
			return errors.New("model returned garbage")
		}
		return nil
	})

	runWorker(t, &Config{API: api, Executor: exec, Name: "gpu", Concurrency: 2})

	require.Eventually(t, func() bool {
		_, completed, failed := api.snapshot()
		return len(completed)+len(failed) == 3
	}, time.Second, 5*time.Millisecond)

	started, completed, failed := api.snapshot()
	assert.ElementsMatch(t, []int64{1, 2, 3}, started)
	assert.ElementsMatch(t, []int64{1, 3}, completed)
	assert.Equal(t, map[int64]string{2: "model returned garbage"}, failed)
}

func TestWorker_UsesDistinctNamesPerGoroutine(t *testing.T) {
	api := newFakeAPI()
	w, _ := runWorker(t, &Config{API: api, Executor: ExecutorFunc(func(context.Context, *dto.JobDTO) error { return nil }), Name: "gpu", Concurrency: 3})

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.workers) == 3
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, w.ID(), "gpu-")
	api.mu.Lock()
	for name := range api.workers {
		assert.Contains(t, name, w.ID())
	}
	api.mu.Unlock()
}

func TestWorker_JobTimeoutReportsFailure(t *testing.T) {
	api := newFakeAPI(&dto.JobDTO{ID: 5, WorkerClass: "gemma"})
	exec := ExecutorFunc(func(ctx context.Context, job *dto.JobDTO) error {
		<-ctx.Done()
		return ctx.Err()
	})

	runWorker(t, &Config{API: api, Executor: exec, JobTimeout: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		_, _, failed := api.snapshot()
		return len(failed) == 1
	}, time.Second, 5*time.Millisecond)

	_, completed, failed := api.snapshot()
	assert.Empty(t, completed)
	assert.Equal(t, context.DeadlineExceeded.Error(), failed[5])
}

func TestWorker_RecoversFromPullErrors(t *testing.T) {
	api := newFakeAPI(&dto.JobDTO{ID: 8, WorkerClass: "gemma"})
	api.pullErrs = 3

	runWorker(t, &Config{
		API:          api,
		Executor:     ExecutorFunc(func(context.Context, *dto.JobDTO) error { return nil }),
		ErrorBackoff: 5 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		_, completed, _ := api.snapshot()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_StartFailureSkipsExecution(t *testing.T) {
	api := newFakeAPI(&dto.JobDTO{ID: 4, WorkerClass: "gemma"})
	api.startErr = errors.New("api returned status 503")

	var mu sync.Mutex
	executed := 0
	exec := ExecutorFunc(func(context.Context, *dto.JobDTO) error {
		mu.Lock()
		executed++
		mu.Unlock()
		return nil
	})

	runWorker(t, &Config{API: api, Executor: exec})

	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.pending) == 0
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, completed, failed := api.snapshot()
	assert.Empty(t, completed)
	assert.Empty(t, failed)
	mu.Lock()
	assert.Zero(t, executed)
	mu.Unlock()
}

func TestWorker_StopDrainsInFlightJob(t *testing.T) {
	api := newFakeAPI(&dto.JobDTO{ID: 11, WorkerClass: "gemma"})
	running := make(chan struct{})
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job *dto.JobDTO) error {
		close(running)
		<-release
		return ctx.Err()
	})

	w := NewWorker(&Config{Logger: discardLogger(), API: api, Executor: exec, Classes: []string{"gemma"}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()

	<-running
	cancel()
	<-done

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped

	_, completed, failed := api.snapshot()
	assert.Equal(t, []int64{11}, completed)
	assert.Empty(t, failed)
}
