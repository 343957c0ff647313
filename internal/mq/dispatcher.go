package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/answer-queue/internal/domain"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/google/uuid"
)

// Publisher is the subset of the RabbitMQ client used for outbound messages
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
	RoutingKey() string
	EventsRoutingKey() string
}

// RabbitDispatcher publishes composite command messages to the command queue
type RabbitDispatcher struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRabbitDispatcher creates a new RabbitDispatcher
func NewRabbitDispatcher(publisher Publisher, logger *slog.Logger) *RabbitDispatcher {
	return &RabbitDispatcher{publisher: publisher, logger: logger}
}

// Dispatch assigns the message an id if it has none and publishes it
func (d *RabbitDispatcher) Dispatch(ctx context.Context, msg jobs.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal command message: %w", err)
	}

	if err := d.publisher.PublishWithRetry(ctx, d.publisher.RoutingKey(), body, "application/json"); err != nil {
		return fmt.Errorf("failed to dispatch message %s: %w", msg.ID, err)
	}

	d.logger.Debug("Command message dispatched", slog.String("message_id", msg.ID))
	return nil
}

// LocalDispatcher runs composite messages in process on a bounded number of
// goroutines. It is used when RabbitMQ is disabled.
type LocalDispatcher struct {
	base     context.Context
	executor Executor
	slots    chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewLocalDispatcher creates a LocalDispatcher whose executions run under base
// rather than the caller's context, so they outlive the request that queued them
func NewLocalDispatcher(base context.Context, executor Executor, concurrency int, logger *slog.Logger) *LocalDispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &LocalDispatcher{
		base:     base,
		executor: executor,
		slots:    make(chan struct{}, concurrency),
		logger:   logger,
	}
}

// Dispatch waits for a free slot, then executes msg in the background
func (d *LocalDispatcher) Dispatch(ctx context.Context, msg jobs.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("failed to dispatch message %s: %w", msg.ID, ctx.Err())
	case <-d.base.Done():
		return fmt.Errorf("dispatcher stopped: %w", d.base.Err())
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()

		failed := d.executor.ExecuteComposite(d.base, msg)
		d.logger.Debug("Command message processed",
			slog.String("message_id", msg.ID),
			slog.Int("failed", failed),
		)
	}()
	return nil
}

// Close waits for every dispatched message to finish
func (d *LocalDispatcher) Close() {
	d.wg.Wait()
}

// EventPublisher publishes lifecycle side-effect events, such as search index
// requests, under the events routing key
type EventPublisher struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewEventPublisher creates a new EventPublisher
func NewEventPublisher(publisher Publisher, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{publisher: publisher, logger: logger}
}

func (p *EventPublisher) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.publisher.PublishWithRetry(ctx, p.publisher.EventsRoutingKey(), body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Info("Event published",
		slog.String("type", event.Type),
		slog.Int64("parent_id", event.ParentID),
	)
	return nil
}
