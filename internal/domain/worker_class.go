package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// WorkerClass is a registered queue key together with its retry and staleness policy.
// Zero RetryLimit or StaleAfter fall back to the registry defaults.
type WorkerClass struct {
	Name       string
	RetryLimit int
	StaleAfter time.Duration
}

// Registry maps worker class names to their policy. It is built from configuration
// at startup and may grow at runtime.
type Registry struct {
	mu                sync.RWMutex
	classes           map[string]WorkerClass
	defaultRetryLimit int
	defaultStaleAfter time.Duration
}

// NewRegistry creates an empty registry with the given policy defaults
func NewRegistry(defaultRetryLimit int, defaultStaleAfter time.Duration) *Registry {
	if defaultRetryLimit <= 0 {
		defaultRetryLimit = DefaultRetryLimit
	}
	if defaultStaleAfter <= 0 {
		defaultStaleAfter = DefaultStaleAfter
	}
	return &Registry{
		classes:           make(map[string]WorkerClass),
		defaultRetryLimit: defaultRetryLimit,
		defaultStaleAfter: defaultStaleAfter,
	}
}

// Register adds a worker class. Re-registering a name replaces its policy.
func (r *Registry) Register(wc WorkerClass) error {
	name := strings.TrimSpace(wc.Name)
	if name == "" {
		return fmt.Errorf("worker class name is required")
	}
	if wc.RetryLimit < 0 {
		return fmt.Errorf("worker class %q: retry limit must not be negative", name)
	}
	if wc.StaleAfter < 0 {
		return fmt.Errorf("worker class %q: stale_after must not be negative", name)
	}
	wc.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[name] = wc
	return nil
}

// Lookup returns the class registered under name
func (r *Registry) Lookup(name string) (WorkerClass, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wc, ok := r.classes[name]
	return wc, ok
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// RetryLimit returns the retry limit for a class, or the default for unknown classes
func (r *Registry) RetryLimit(name string) int {
	if wc, ok := r.Lookup(name); ok && wc.RetryLimit > 0 {
		return wc.RetryLimit
	}
	return r.defaultRetryLimit
}

// StaleAfter returns the staleness threshold for a class, or the default for unknown classes
func (r *Registry) StaleAfter(name string) time.Duration {
	if wc, ok := r.Lookup(name); ok && wc.StaleAfter > 0 {
		return wc.StaleAfter
	}
	return r.defaultStaleAfter
}

// Names returns all registered class names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
