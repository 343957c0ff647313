package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/answer-queue/internal/command"
	"github.com/cuongbtq/answer-queue/internal/jobs"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliverySource starts a manual-ack consumer
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Executor runs composite messages; *command.Engine satisfies it
type Executor interface {
	ExecuteComposite(ctx context.Context, msg command.Composite) int
}

type delivery struct {
	msg jobs.Message
	raw amqp.Delivery
}

// Consumer reads composite command messages from RabbitMQ and hands them to
// a pool of goroutines that run them through the command engine
type Consumer struct {
	source      DeliverySource
	executor    Executor
	concurrency int
	consumerTag string
	messages    chan delivery
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// NewConsumer creates a Consumer; concurrency below one is treated as one
func NewConsumer(source DeliverySource, executor Executor, concurrency int, logger *slog.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		source:      source,
		executor:    executor,
		concurrency: concurrency,
		consumerTag: "api-service-" + uuid.NewString(),
		messages:    make(chan delivery, concurrency),
		logger:      logger,
	}
}

// Run consumes until ctx is done or the delivery channel closes, then waits
// for in-flight messages to finish
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	c.spawnPool(ctx)
	c.dispatch(ctx, deliveries)

	close(c.messages)
	c.wg.Wait()

	c.logger.Info("Command consumer stopped", slog.String("consumer_tag", c.consumerTag))
	return nil
}

func (c *Consumer) spawnPool(ctx context.Context) {
	c.logger.Info("Spawning command consumer pool",
		slog.Int("concurrency", c.concurrency),
		slog.String("consumer_tag", c.consumerTag),
	)

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.loop(ctx, i)
	}
}

// dispatch decodes deliveries and feeds the pool. Malformed or empty
// messages are rejected without requeue so they reach the dead letter queue.
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return

		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg jobs.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				c.logger.Error("Failed to parse command message",
					slog.Any("error", err),
					slog.String("body", string(d.Body)),
				)
				c.nack(d, false)
				continue
			}
			if msg.Empty() {
				c.logger.Error("Command message carries no request",
					slog.String("message_id", msg.ID),
				)
				c.nack(d, false)
				continue
			}

			select {
			case c.messages <- delivery{msg: msg, raw: d}:
			case <-ctx.Done():
				// hand it back so another consumer picks it up
				c.nack(d, true)
				return
			}
		}
	}
}

func (c *Consumer) loop(ctx context.Context, n int) {
	defer c.wg.Done()

	// messages already taken off the queue are finished during shutdown
	execCtx := context.WithoutCancel(ctx)

	for d := range c.messages {
		failed := c.executor.ExecuteComposite(execCtx, d.msg)

		// Command failures are recorded by the engine; the message itself
		// was processed and is never redelivered for them.
		if err := d.raw.Ack(false); err != nil {
			c.logger.Error("Failed to ACK message",
				slog.Int("worker_num", n),
				slog.String("message_id", d.msg.ID),
				slog.Any("error", err),
			)
			continue
		}

		c.logger.Debug("Command message processed",
			slog.Int("worker_num", n),
			slog.String("message_id", d.msg.ID),
			slog.Int("parts", len(d.msg.Parts())),
			slog.Int("failed", failed),
		)
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}
