package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, classes ...string) *Router {
	t.Helper()

	registry := domain.NewRegistry(0, 0)
	for _, c := range classes {
		require.NoError(t, registry.Register(domain.WorkerClass{Name: c}))
	}

	return NewRouter(&Config{
		Registry:       registry,
		DefaultTimeout: time.Second,
		Logger:         slog.New(slog.DiscardHandler),
	})
}

func job(id int64, class string) domain.Job {
	return domain.Job{ID: id, ParentID: 42, WorkerClass: class}
}

func TestRouter_Enqueue(t *testing.T) {
	r := newTestRouter(t, "gemma", "rank")

	t.Run("unsupported worker class", func(t *testing.T) {
		err := r.Enqueue(job(1, "gpt-9"))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrUnsupportedWorkerClass)
		assert.Equal(t, 0, r.Total())
	})

	t.Run("appends to its class queue", func(t *testing.T) {
		require.NoError(t, r.Enqueue(job(1, "gemma")))
		require.NoError(t, r.Enqueue(job(2, "gemma")))

		n, err := r.Len("gemma")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = r.Len("rank")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestRouter_DequeueFIFO(t *testing.T) {
	r := newTestRouter(t, "gemma")
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, r.Enqueue(job(i, "gemma")))
	}

	for i := int64(1); i <= 5; i++ {
		got, err := r.Dequeue(context.Background(), []string{"gemma"}, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, i, got.ID)
	}
}

func TestRouter_DequeueOnlyCandidateClasses(t *testing.T) {
	r := newTestRouter(t, "gemma", "mixtral", "rank")
	require.NoError(t, r.Enqueue(job(1, "rank")))
	require.NoError(t, r.Enqueue(job(2, "mixtral")))

	got, err := r.Dequeue(context.Background(), []string{"gemma", "mixtral"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "mixtral", got.WorkerClass)

	got, err = r.Dequeue(context.Background(), []string{"gemma", "mixtral"}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got, "rank job must not be delivered to an answer worker")

	n, _ := r.Len("rank")
	assert.Equal(t, 1, n)
}

func TestRouter_DequeueOldestAcrossClasses(t *testing.T) {
	r := newTestRouter(t, "gemma", "mixtral")
	require.NoError(t, r.Enqueue(job(1, "mixtral")))
	require.NoError(t, r.Enqueue(job(2, "gemma")))
	require.NoError(t, r.Enqueue(job(3, "mixtral")))

	var ids []int64
	for i := 0; i < 3; i++ {
		got, err := r.Dequeue(context.Background(), []string{"gemma", "mixtral"}, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, got)
		ids = append(ids, got.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestRouter_DequeueUnsupportedClass(t *testing.T) {
	r := newTestRouter(t, "gemma")

	_, err := r.Dequeue(context.Background(), []string{"gemma", "unknown"}, 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrUnsupportedWorkerClass)

	_, err = r.Dequeue(context.Background(), nil, 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrUnsupportedWorkerClass)
}

func TestRouter_DequeueTimeout(t *testing.T) {
	r := newTestRouter(t, "gemma")

	start := time.Now()
	got, err := r.Dequeue(context.Background(), []string{"gemma"}, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRouter_DequeueWakesOnEnqueue(t *testing.T) {
	r := newTestRouter(t, "gemma", "mixtral")

	done := make(chan *domain.Job, 1)
	go func() {
		got, err := r.Dequeue(context.Background(), []string{"gemma", "mixtral"}, 2*time.Second)
		if err != nil {
			t.Errorf("dequeue: %v", err)
		}
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Enqueue(job(7, "mixtral")))

	select {
	case got := <-done:
		require.NotNil(t, got)
		assert.Equal(t, int64(7), got.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for waiter to wake")
	}
}

func TestRouter_DequeueContextCanceled(t *testing.T) {
	r := newTestRouter(t, "gemma")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	got, err := r.Dequeue(ctx, []string{"gemma"}, 5*time.Second)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.Canceled)

	// The waiter must be unregistered so later enqueues do not block on it
	require.NoError(t, r.Enqueue(job(1, "gemma")))
	r.queues["gemma"].mu.Lock()
	assert.Empty(t, r.queues["gemma"].waiters)
	r.queues["gemma"].mu.Unlock()
}

func TestRouter_ConcurrentNoDoubleDelivery(t *testing.T) {
	r := newTestRouter(t, "gemma", "mixtral", "rank")
	classes := []string{"gemma", "mixtral", "rank"}
	const total = 600

	var (
		mu            sync.Mutex
		delivered     = make(map[int64]int)
		wg            sync.WaitGroup
		producersDone atomic.Bool
	)

	// Consumers with overlapping candidate sets
	candidateSets := [][]string{
		{"gemma", "mixtral"},
		{"mixtral", "rank"},
		{"rank", "gemma"},
		{"gemma", "mixtral", "rank"},
	}
	for i := 0; i < 8; i++ {
		set := candidateSets[i%len(candidateSets)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := r.Dequeue(context.Background(), set, 100*time.Millisecond)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if got == nil {
					if producersDone.Load() {
						return
					}
					continue
				}
				mu.Lock()
				delivered[got.ID]++
				mu.Unlock()
			}
		}()
	}

	var producers sync.WaitGroup
	for p := 0; p < 3; p++ {
		producers.Add(1)
		go func(p int) {
			defer producers.Done()
			for i := p; i < total; i += 3 {
				if err := r.Enqueue(job(int64(i+1), classes[i%len(classes)])); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}(p)
	}

	producers.Wait()
	producersDone.Store(true)
	wg.Wait()

	assert.Len(t, delivered, total)
	for id, n := range delivered {
		assert.Equal(t, 1, n, "job %d delivered %d times", id, n)
	}
	assert.Equal(t, 0, r.Total())
}

func TestRouter_Snapshot(t *testing.T) {
	r := newTestRouter(t, "gemma", "rank")
	require.NoError(t, r.Enqueue(job(1, "gemma")))
	require.NoError(t, r.Enqueue(job(2, "rank")))

	all, err := r.Snapshot()
	require.NoError(t, err)
	assert.Len(t, all["gemma"], 1)
	assert.Len(t, all["rank"], 1)

	filtered, err := r.Snapshot("rank")
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
	assert.Equal(t, int64(2), filtered["rank"][0].ID)

	_, err = r.Snapshot("nope")
	assert.ErrorIs(t, err, domain.ErrUnsupportedWorkerClass)

	// Snapshot does not consume
	assert.Equal(t, 2, r.Total())
}

func TestRouter_RemoveAndContains(t *testing.T) {
	r := newTestRouter(t, "gemma", "rank")
	require.NoError(t, r.Enqueue(job(1, "gemma")))
	require.NoError(t, r.Enqueue(job(2, "gemma")))
	require.NoError(t, r.Enqueue(job(1, "gemma")))

	assert.True(t, r.Contains(1))
	assert.Equal(t, 2, r.Remove(1))
	assert.False(t, r.Contains(1))
	assert.True(t, r.Contains(2))
	assert.Equal(t, 0, r.Remove(99))

	ids := r.QueuedIDs()
	assert.Equal(t, map[int64]struct{}{2: {}}, ids)
}

func TestRouter_RegisterAtRuntime(t *testing.T) {
	r := newTestRouter(t, "gemma")
	assert.ErrorIs(t, r.Enqueue(job(1, "llama")), domain.ErrUnsupportedWorkerClass)

	require.NoError(t, r.Register(domain.WorkerClass{Name: "llama", RetryLimit: 5}))
	require.NoError(t, r.Enqueue(job(1, "llama")))
	assert.Equal(t, []string{"gemma", "llama"}, r.Classes())
	assert.Equal(t, 5, r.registry.RetryLimit("llama"))

	assert.Error(t, r.Register(domain.WorkerClass{Name: " "}))

	require.NoError(t, r.Register(domain.WorkerClass{Name: " mixtral "}))
	require.NoError(t, r.Enqueue(job(2, "mixtral")))
}

func TestRouter_FollowsRegistry(t *testing.T) {
	r := newTestRouter(t, "gemma")
	require.NoError(t, r.registry.Register(domain.WorkerClass{Name: "phi"}))

	require.NoError(t, r.Enqueue(job(1, "phi")))
	got, err := r.Dequeue(context.Background(), []string{"phi"}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.ID)
	assert.Contains(t, r.Classes(), "phi")
}

func TestRouter_DepthObserver(t *testing.T) {
	registry := domain.NewRegistry(0, 0)
	require.NoError(t, registry.Register(domain.WorkerClass{Name: "gemma"}))

	var mu sync.Mutex
	depths := map[string]int{}
	r := NewRouter(&Config{
		Registry: registry,
		Logger:   slog.New(slog.DiscardHandler),
		Observer: func(class string, depth int) {
			mu.Lock()
			depths[class] = depth
			mu.Unlock()
		},
	})

	require.NoError(t, r.Enqueue(job(1, "gemma")))
	require.NoError(t, r.Enqueue(job(2, "gemma")))
	mu.Lock()
	assert.Equal(t, 2, depths["gemma"])
	mu.Unlock()

	_, err := r.Dequeue(context.Background(), []string{"gemma"}, 10*time.Millisecond)
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 1, depths["gemma"])
	mu.Unlock()
}
