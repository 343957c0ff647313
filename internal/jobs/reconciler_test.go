package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persist writes jobs straight to the store, bypassing the queues, as if the
// process crashed between persisting and enqueueing
func (h *harness) persist(t *testing.T, n int, class string) []domain.Job {
	t.Helper()
	batch := make([]domain.Job, n)
	for i := range batch {
		batch[i] = domain.Job{ParentID: int64(100 + i), WorkerClass: class, CreatedDate: h.clock.Now()}
	}
	created, err := h.store.CreateJobs(context.Background(), batch)
	require.NoError(t, err)
	return created
}

func (h *harness) start(t *testing.T, jobs []domain.Job, at time.Time) {
	t.Helper()
	for _, j := range jobs {
		_, err := h.store.StartJob(context.Background(), j.ID, "crashed-worker", "10.9.9.9", at)
		require.NoError(t, err)
	}
}

func TestReconciler_RequeuesMissingAndLost(t *testing.T) {
	h := newHarness(t, "gemma", "mixtral")
	ctx := context.Background()
	now := h.clock.Now()

	// never queued, never started
	missing := h.persist(t, 3, "gemma")
	// started long ago and not queued
	lost := h.persist(t, 2, "mixtral")
	h.start(t, lost, now.Add(-10*time.Minute))
	// started recently, still in progress
	fresh := h.persist(t, 1, "gemma")
	h.start(t, fresh, now.Add(-time.Minute))

	queued, err := h.coord.CreateJobs(ctx, []domain.NewJob{newJob(1, "gemma")})
	require.NoError(t, err)

	lostButQueued := h.persist(t, 1, "mixtral")
	h.start(t, lostButQueued, now.Add(-time.Hour))
	require.NoError(t, h.router.Enqueue(lostButQueued[0]))

	report, err := h.reconciler.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Queued)
	assert.Equal(t, 8, report.Incomplete)
	assert.Equal(t, 4, report.Started)
	assert.Equal(t, 3, report.Missing)
	assert.Equal(t, 3, report.Lost)
	assert.Equal(t, 1, report.AlreadyQueued)
	assert.Equal(t, 5, report.Requeued)
	assert.Zero(t, report.Unroutable)

	for _, j := range append(missing, lost...) {
		assert.True(t, h.router.Contains(j.ID), "job %d requeued", j.ID)
	}
	assert.False(t, h.router.Contains(fresh[0].ID))
	assert.Equal(t, 7, h.router.Total(), "no job may be queued twice")
	assert.True(t, h.router.Contains(queued[0].ID))

	// nothing durable changed
	for _, j := range lost {
		stored, err := h.store.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.NotNil(t, stored.StartedDate)
		assert.Equal(t, "crashed-worker", *stored.Worker)
	}
}

func TestReconciler_SecondPassIsQuiet(t *testing.T) {
	h := newHarness(t, "gemma")
	ctx := context.Background()

	h.persist(t, 2, "gemma")
	lost := h.persist(t, 1, "gemma")
	h.start(t, lost, h.clock.Now().Add(-6*time.Minute))

	first, err := h.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Requeued)

	second, err := h.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Missing)
	assert.Equal(t, 1, second.Lost)
	assert.Equal(t, 1, second.AlreadyQueued)
	assert.Zero(t, second.Requeued)
	assert.Equal(t, 3, h.router.Total())
}

func TestReconciler_ClassStaleness(t *testing.T) {
	h := newHarness(t, "gemma", "slow")
	require.NoError(t, h.registry.Register(domain.WorkerClass{Name: "slow", StaleAfter: time.Hour}))
	ctx := context.Background()

	fast := h.persist(t, 1, "gemma")
	slow := h.persist(t, 1, "slow")
	h.start(t, fast, h.clock.Now().Add(-10*time.Minute))
	h.start(t, slow, h.clock.Now().Add(-10*time.Minute))

	report, err := h.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Lost)
	assert.True(t, h.router.Contains(fast[0].ID))
	assert.False(t, h.router.Contains(slow[0].ID))
}

func TestReconciler_Unroutable(t *testing.T) {
	h := newHarness(t, "gemma")
	ctx := context.Background()

	h.persist(t, 1, "retired-model")
	h.persist(t, 1, "gemma")

	report, err := h.reconciler.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Missing)
	assert.Equal(t, 1, report.Requeued)
	assert.Equal(t, 1, report.Unroutable)
}

func TestReport_String(t *testing.T) {
	report := &jobs.Report{Queued: 4, Incomplete: 9, Started: 2, Missing: 3, Lost: 1, Requeued: 4}

	text := report.String()
	assert.Contains(t, text, "Queued: 4\n")
	assert.Contains(t, text, "Incomplete in store: 9\n")
	assert.Contains(t, text, "Started in progress: 2\n")
	assert.Contains(t, text, "Missing: 3\n")
	assert.Contains(t, text, "Lost: 1\n")
	assert.Contains(t, text, "Re-enqueued: 4\n")
}
