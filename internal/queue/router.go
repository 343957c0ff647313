package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

// DepthObserver is notified of a class's queue depth after every change
type DepthObserver func(class string, depth int)

// entry is a queued job stamped with a router-wide arrival sequence
type entry struct {
	seq uint64
	job domain.Job
}

// classQueue is one worker class's FIFO with its own lock and waiter set
type classQueue struct {
	name    string
	mu      sync.Mutex
	entries []entry
	waiters map[chan struct{}]struct{}
}

// Router owns one queue per registered worker class
type Router struct {
	mu             sync.RWMutex
	queues         map[string]*classQueue
	registry       *domain.Registry
	seq            atomic.Uint64
	defaultTimeout time.Duration
	observer       DepthObserver
	logger         *slog.Logger
}

// Config holds router configuration
type Config struct {
	Registry       *domain.Registry
	DefaultTimeout time.Duration
	Observer       DepthObserver
	Logger         *slog.Logger
}

// NewRouter creates a router with a queue for every class in the registry
func NewRouter(cfg *Config) *Router {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = domain.DefaultDequeueTimeout
	}

	r := &Router{
		queues:         make(map[string]*classQueue),
		registry:       cfg.Registry,
		defaultTimeout: timeout,
		observer:       cfg.Observer,
		logger:         cfg.Logger,
	}

	for _, name := range cfg.Registry.Names() {
		r.queues[name] = newClassQueue(name)
	}

	r.logger.Info("Queue router initialized",
		slog.Any("worker_classes", cfg.Registry.Names()),
		slog.Duration("dequeue_timeout", timeout),
	)

	return r
}

func newClassQueue(name string) *classQueue {
	return &classQueue{
		name:    name,
		waiters: make(map[chan struct{}]struct{}),
	}
}

// Register adds a worker class to the registry and creates its queue.
// Registering an existing class only updates its policy.
func (r *Router) Register(wc domain.WorkerClass) error {
	wc.Name = strings.TrimSpace(wc.Name)
	if err := r.registry.Register(wc); err != nil {
		return err
	}
	r.ensureQueue(wc.Name)
	return nil
}

func (r *Router) ensureQueue(name string) *classQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[name]
	if !ok {
		q = newClassQueue(name)
		r.queues[name] = q
		r.logger.Info("Worker class registered", slog.String("worker_class", name))
	}
	return q
}

// Policy returns the effective retry and staleness policy of a registered class
func (r *Router) Policy(class string) (domain.WorkerClass, bool) {
	if !r.registry.Has(class) {
		return domain.WorkerClass{}, false
	}
	return domain.WorkerClass{
		Name:       class,
		RetryLimit: r.registry.RetryLimit(class),
		StaleAfter: r.registry.StaleAfter(class),
	}, true
}

// Classes returns the registered queue keys in sorted order
func (r *Router) Classes() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *Router) lookup(class string) (*classQueue, error) {
	r.mu.RLock()
	q, ok := r.queues[class]
	r.mu.RUnlock()
	if ok {
		return q, nil
	}
	// classes added to the registry directly get their queue on first use
	if r.registry.Has(class) {
		return r.ensureQueue(class), nil
	}
	return nil, domain.UnsupportedWorkerClass(class)
}

// Enqueue appends job to the tail of its worker class queue
func (r *Router) Enqueue(job domain.Job) error {
	q, err := r.lookup(job.WorkerClass)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry{seq: r.seq.Add(1), job: job.Clone()})
	depth := len(q.entries)
	for w := range q.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()

	r.observe(q.name, depth)
	return nil
}

// Dequeue blocks until a job is available in any of classes and removes it.
// It returns (nil, nil) when timeout elapses first; a timeout <= 0 uses the
// router default. Among ready classes the job that arrived first wins.
func (r *Router) Dequeue(ctx context.Context, classes []string, timeout time.Duration) (*domain.Job, error) {
	queues, err := r.resolve(classes)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	wake := make(chan struct{}, 1)
	registered := false
	defer func() {
		if registered {
			for _, q := range queues {
				q.mu.Lock()
				delete(q.waiters, wake)
				q.mu.Unlock()
			}
		}
	}()

	for {
		if job, ok := r.popOldest(queues); ok {
			return job, nil
		}

		// Register before sleeping, then re-check so an enqueue that raced the
		// first check is not missed.
		if !registered {
			for _, q := range queues {
				q.mu.Lock()
				q.waiters[wake] = struct{}{}
				q.mu.Unlock()
			}
			registered = true
			continue
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Router) resolve(classes []string) ([]*classQueue, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no worker classes given", domain.ErrUnsupportedWorkerClass)
	}

	seen := make(map[string]struct{}, len(classes))
	queues := make([]*classQueue, 0, len(classes))
	for _, class := range classes {
		if _, dup := seen[class]; dup {
			continue
		}
		seen[class] = struct{}{}

		q, err := r.lookup(class)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// popOldest removes the head with the lowest arrival sequence across queues.
// Heads are peeked one lock at a time; if the chosen head was taken in the
// meantime the scan starts over.
func (r *Router) popOldest(queues []*classQueue) (*domain.Job, bool) {
	for {
		var (
			best    *classQueue
			bestSeq uint64
		)
		for _, q := range queues {
			q.mu.Lock()
			if len(q.entries) > 0 && (best == nil || q.entries[0].seq < bestSeq) {
				best = q
				bestSeq = q.entries[0].seq
			}
			q.mu.Unlock()
		}
		if best == nil {
			return nil, false
		}

		best.mu.Lock()
		if len(best.entries) == 0 || best.entries[0].seq != bestSeq {
			best.mu.Unlock()
			continue
		}
		head := best.entries[0]
		best.entries[0] = entry{}
		best.entries = best.entries[1:]
		depth := len(best.entries)
		best.mu.Unlock()

		r.observe(best.name, depth)
		job := head.job
		return &job, true
	}
}

// Snapshot returns the current contents of the named classes, or of every
// class when none are named, without removing anything.
func (r *Router) Snapshot(classes ...string) (map[string][]domain.Job, error) {
	if len(classes) == 0 {
		classes = r.Classes()
	}

	queues, err := r.resolve(classes)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]domain.Job, len(queues))
	for _, q := range queues {
		q.mu.Lock()
		jobs := make([]domain.Job, len(q.entries))
		for i, e := range q.entries {
			jobs[i] = e.job.Clone()
		}
		q.mu.Unlock()
		out[q.name] = jobs
	}
	return out, nil
}

// QueuedIDs returns the ids of every job currently held in any queue
func (r *Router) QueuedIDs() map[int64]struct{} {
	ids := make(map[int64]struct{})
	for _, q := range r.allQueues() {
		q.mu.Lock()
		for _, e := range q.entries {
			ids[e.job.ID] = struct{}{}
		}
		q.mu.Unlock()
	}
	return ids
}

// Contains reports whether a job with id is queued in any class
func (r *Router) Contains(id int64) bool {
	for _, q := range r.allQueues() {
		q.mu.Lock()
		for _, e := range q.entries {
			if e.job.ID == id {
				q.mu.Unlock()
				return true
			}
		}
		q.mu.Unlock()
	}
	return false
}

// Remove drops every queued copy of the job with id and returns how many were removed
func (r *Router) Remove(id int64) int {
	removed := 0
	for _, q := range r.allQueues() {
		q.mu.Lock()
		kept := q.entries[:0]
		n := 0
		for _, e := range q.entries {
			if e.job.ID == id {
				n++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(q.entries); i++ {
			q.entries[i] = entry{}
		}
		q.entries = kept
		depth := len(kept)
		q.mu.Unlock()

		if n > 0 {
			removed += n
			r.observe(q.name, depth)
		}
	}
	return removed
}

// Len returns the number of jobs queued for class
func (r *Router) Len(class string) (int, error) {
	q, err := r.lookup(class)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Total returns the number of jobs queued across all classes
func (r *Router) Total() int {
	total := 0
	for _, q := range r.allQueues() {
		q.mu.Lock()
		total += len(q.entries)
		q.mu.Unlock()
	}
	return total
}

func (r *Router) allQueues() []*classQueue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	queues := make([]*classQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	return queues
}

func (r *Router) observe(class string, depth int) {
	if r.observer != nil {
		r.observer(class, depth)
	}
}
