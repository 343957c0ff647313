package storage

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/migrations"
	"github.com/cuongbtq/answer-queue/shared/postgresql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPostgresStore connects to the database named by TEST_POSTGRES_* and
// skips the test when TEST_POSTGRES_HOST is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("TEST_POSTGRES_HOST not set, skipping PostgreSQL integration test")
	}
	port, _ := strconv.Atoi(os.Getenv("TEST_POSTGRES_PORT"))
	if port == 0 {
		port = 5432
	}

	logger := slog.New(slog.DiscardHandler)
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:         host,
		Port:         port,
		User:         envOr("TEST_POSTGRES_USER", "postgres"),
		Password:     envOr("TEST_POSTGRES_PASSWORD", "postgres"),
		Database:     envOr("TEST_POSTGRES_DB", "answer_queue_test"),
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Migrate(migrations.FS))
	require.NoError(t, client.ExecContext(context.Background(), "TRUNCATE jobs RESTART IDENTITY"))

	return NewPostgresStore(client, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	created, err := s.CreateJobs(ctx, []domain.Job{
		{ParentID: 9, WorkerClass: "gpt", Title: "q", CreatedBy: "u", CreatedDate: now},
		{ParentID: 9, WorkerClass: "claude", Title: "q", CreatedBy: "u", CreatedDate: now},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotZero(t, created[0].ID)

	started, err := s.StartJob(ctx, created[0].ID, "w1", "10.1.1.1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateStarted, started.State())

	failed := domain.FailedAttempt{JobID: created[0].ID, Attempt: 0, Worker: "w1", Error: "boom"}
	failure, err := s.FailJob(ctx, failed, 3, now)
	require.NoError(t, err)
	assert.True(t, failure.Applied)
	assert.False(t, failure.Abandoned)
	assert.Nil(t, failure.Job.StartedDate)
	assert.Nil(t, failure.Job.Worker)
	assert.Equal(t, 1, failure.Job.RetryCount)

	replayed, err := s.FailJob(ctx, failed, 3, now)
	require.NoError(t, err)
	assert.False(t, replayed.Applied)
	assert.Equal(t, 1, replayed.Job.RetryCount)

	first, err := s.CompleteJob(ctx, created[0].ID, now, rankFanIn)
	require.NoError(t, err)
	assert.Equal(t, 1, first.IncompleteSiblings)
	assert.Nil(t, first.FollowUp)
	assert.Nil(t, first.Job.Error)

	last, err := s.CompleteJob(ctx, created[1].ID, now, rankFanIn)
	require.NoError(t, err)
	require.NotNil(t, last.FollowUp)
	assert.Equal(t, domain.RankWorkerClass, last.FollowUp.WorkerClass)

	replay, err := s.CompleteJob(ctx, created[1].ID, now, rankFanIn)
	require.NoError(t, err)
	assert.False(t, replay.Applied)

	incomplete, err := s.IncompleteJobs(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, last.FollowUp.ID, incomplete[0].ID)

	listed, err := s.ListJobs(ctx, domain.JobFilter{ParentID: 9, State: domain.JobStateCompleted, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestPostgresStore_ConcurrentCompletionFansInOnce(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	now := time.Now().UTC()

	batch := make([]domain.Job, 10)
	for i := range batch {
		batch[i] = domain.Job{ParentID: 77, WorkerClass: "model", CreatedDate: now}
	}
	created, err := s.CreateJobs(ctx, batch)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
	)
	for _, job := range created {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c, err := s.CompleteJob(ctx, id, now, rankFanIn)
			assert.NoError(t, err)
			if c != nil && c.FollowUp != nil {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}(job.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, count)
}
