package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/answer-queue/internal/domain"
)

const (
	DefaultSuccessCapacity = 250
	DefaultFailureCapacity = 250
	DefaultDurationSamples = 1000

	// ViewMetricsCommand is the name the metrics view runs under; it is ignored by default
	ViewMetricsCommand = "ViewMetrics"

	maxSerializedRequest = 4096
)

// ErrUnknownCommand is recorded when a composite part names a command with no handler
var ErrUnknownCommand = errors.New("no handler registered for command")

// Request is one sub-payload of a composite message
type Request interface {
	CommandName() string
}

// Composite is a message carrying several optional, independently dispatched requests
type Composite interface {
	Parts() []Request
}

// Handler runs one request resolved from a composite message
type Handler func(ctx context.Context, req Request) error

// Observer receives every recorded execution, e.g. to export Prometheus metrics
type Observer interface {
	ObserveCommand(name string, duration time.Duration, failed bool)
}

// Result is one recorded execution
type Result struct {
	Name       string    `json:"name"`
	DurationMs float64   `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
	Request    string    `json:"request,omitempty"`
	Error      string    `json:"error,omitempty"`
	StackTrace string    `json:"stack_trace,omitempty"`
}

// Stats is a point-in-time view of the engine's recorded state
type Stats struct {
	Successes []Result  `json:"successes"`
	Failures  []Result  `json:"failures"`
	Summaries []Summary `json:"summaries"`
}

// Options configures an Engine
type Options struct {
	SuccessCapacity int
	FailureCapacity int
	DurationSamples int
	// Ignore lists command names whose executions are not recorded.
	// Nil means only ViewMetricsCommand is ignored.
	Ignore     []string
	IgnoreFunc func(name string) bool
	Observer   Observer
	Logger     *slog.Logger
}

// Engine times, records and isolates failures of background commands
type Engine struct {
	successes *ring[Result]
	failures  *ring[Result]
	summaries sync.Map // name -> *summary
	samples   int

	ignore     map[string]struct{}
	ignoreFunc func(string) bool

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	observer Observer
	logger   *slog.Logger
}

// NewEngine creates an Engine, filling unset capacities with defaults
func NewEngine(opts Options) *Engine {
	if opts.SuccessCapacity <= 0 {
		opts.SuccessCapacity = DefaultSuccessCapacity
	}
	if opts.FailureCapacity <= 0 {
		opts.FailureCapacity = DefaultFailureCapacity
	}
	if opts.DurationSamples <= 0 {
		opts.DurationSamples = DefaultDurationSamples
	}
	if opts.Ignore == nil {
		opts.Ignore = []string{ViewMetricsCommand}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ignore := make(map[string]struct{}, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = struct{}{}
	}

	return &Engine{
		successes:  newRing[Result](opts.SuccessCapacity),
		failures:   newRing[Result](opts.FailureCapacity),
		samples:    opts.DurationSamples,
		ignore:     ignore,
		ignoreFunc: opts.IgnoreFunc,
		handlers:   make(map[string]Handler),
		observer:   opts.Observer,
		logger:     opts.Logger,
	}
}

// Handle registers the handler composite parts named name are dispatched to
func (e *Engine) Handle(name string, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[name] = h
}

func (e *Engine) handler(name string) (Handler, bool) {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// Execute runs fn, records its duration and outcome under name, and reports
// whether it succeeded. Errors and panics from fn are recorded as failures
// and never returned; callers that need a result capture it in fn.
func (e *Engine) Execute(ctx context.Context, name string, request any, fn func(ctx context.Context) error) bool {
	started := time.Now()
	stack, err := run(ctx, fn)
	elapsed := time.Since(started)

	if err != nil {
		err = domain.NewTransientExecutionFailure(name, err)
	}

	if e.ignored(name) {
		if err != nil {
			e.logger.Error("Ignored command failed", slog.String("command", name), slog.Any("error", err))
		}
		return err == nil
	}

	if e.observer != nil {
		e.observer.ObserveCommand(name, elapsed, err != nil)
	}

	s := e.summary(name)
	result := Result{
		Name:       name,
		DurationMs: millis(elapsed),
		Timestamp:  started,
	}

	if err == nil {
		s.recordSuccess(elapsed)
		e.successes.push(result)
		return true
	}

	result.Error = err.Error()
	result.Request = serialize(request)
	result.StackTrace = stack
	s.recordFailure(result.Error)
	e.failures.push(result)

	e.logger.Warn("Command failed",
		slog.String("command", name),
		slog.Duration("duration", elapsed),
		slog.Any("error", err),
	)
	return false
}

// ExecuteComposite dispatches every part of msg through Execute. A failing
// part does not stop its siblings. It returns the number of parts that failed.
func (e *Engine) ExecuteComposite(ctx context.Context, msg Composite) int {
	failed := 0
	for _, part := range msg.Parts() {
		if part == nil {
			continue
		}
		name := part.CommandName()
		h, ok := e.handler(name)
		if !ok {
			h = func(context.Context, Request) error {
				return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
			}
		}
		req := part
		if !e.Execute(ctx, name, req, func(ctx context.Context) error { return h(ctx, req) }) {
			failed++
		}
	}
	return failed
}

// Stats returns the newest-first success and failure buffers and the sorted
// per-command summaries. Stack traces are stripped unless includeStack is set.
func (e *Engine) Stats(includeStack bool) Stats {
	failures := e.failures.snapshot()
	if !includeStack {
		for i := range failures {
			failures[i].StackTrace = ""
		}
	}
	return Stats{
		Successes: e.successes.snapshot(),
		Failures:  failures,
		Summaries: e.Summaries(),
	}
}

// Summaries returns one Summary per recorded command name, sorted by name
func (e *Engine) Summaries() []Summary {
	var out []Summary
	e.summaries.Range(func(_, v any) bool {
		out = append(out, v.(*summary).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset drops every recorded result and summary
func (e *Engine) Reset() {
	e.successes.reset()
	e.failures.reset()
	e.summaries.Clear()
	e.logger.Info("Command metrics reset")
}

func (e *Engine) ignored(name string) bool {
	if _, ok := e.ignore[name]; ok {
		return true
	}
	return e.ignoreFunc != nil && e.ignoreFunc(name)
}

func (e *Engine) summary(name string) *summary {
	if v, ok := e.summaries.Load(name); ok {
		return v.(*summary)
	}
	v, _ := e.summaries.LoadOrStore(name, newSummary(name, e.samples))
	return v.(*summary)
}

func run(ctx context.Context, fn func(ctx context.Context) error) (stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	return "", fn(ctx)
}

// serialize renders request as JSON for a failure entry, falling back to %+v
// when it cannot be marshaled
func serialize(request any) (out string) {
	if request == nil {
		return ""
	}
	defer func() {
		if recover() != nil {
			out = fmt.Sprintf("<unserializable %T>", request)
		}
	}()

	b, err := json.Marshal(request)
	if err != nil {
		out = fmt.Sprintf("%+v", request)
	} else {
		out = string(b)
	}
	if len(out) > maxSerializedRequest {
		out = out[:maxSerializedRequest] + "...(truncated)"
	}
	return out
}
