package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/cuongbtq/async-batch-daemon/internal/runner"
	amqp "github.com/rabbitmq/amqp091-go"
)

// LaunchExecutor runs a job under an execution id assigned by the dispatcher
type LaunchExecutor interface {
	Execute(ctx context.Context, executionID int64, jobName, jobParameters string) error
}

// ConsumerConfig holds launch consumer configuration
type ConsumerConfig struct {
	Logger   *slog.Logger
	Executor LaunchExecutor
	Pool     Submitter
}

// Consumer runs launch messages published by a dispatcher in amqp runner
// mode. A delivery is acked once its job ran, whatever the job's outcome.
type Consumer struct {
	logger   *slog.Logger
	executor LaunchExecutor
	pool     Submitter
}

// NewConsumer creates a launch consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.Executor == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("consumer requires an executor and a pool")
	}
	return &Consumer{
		logger:   cfg.Logger,
		executor: cfg.Executor,
		pool:     cfg.Pool,
	}, nil
}

// Run dispatches deliveries to the pool until ctx is canceled or the
// delivery channel closes.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	c.logger.Info("Launch consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Launch consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			if !c.dispatch(delivery) {
				return
			}
		}
	}
}

// dispatch returns false when the pool no longer accepts work
func (c *Consumer) dispatch(delivery amqp.Delivery) bool {
	msg, err := decodeLaunch(delivery.Body)
	if err != nil {
		c.logger.Error("Dropping malformed launch message",
			slog.String("message_id", delivery.MessageId),
			slog.String("error", err.Error()),
		)
		c.nack(delivery, false)
		return true
	}

	err = c.pool.TrySubmit(func(ctx context.Context) {
		c.execute(ctx, delivery, msg)
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPoolShutdown):
		c.nack(delivery, true)
		return false
	default:
		c.logger.Warn("All workers busy, requeueing launch",
			slog.Int64("job_execution_id", msg.ExecutionID),
			slog.String("job_name", msg.JobName),
		)
		c.nack(delivery, true)
		return true
	}
}

func (c *Consumer) execute(ctx context.Context, delivery amqp.Delivery, msg *runner.LaunchMessage) {
	err := c.executor.Execute(ctx, msg.ExecutionID, msg.JobName, msg.RawParameters)
	if err != nil {
		level := slog.LevelError
		if domain.IsJobRejection(err) {
			level = slog.LevelWarn
		}
		c.logger.Log(ctx, level, "Launch rejected",
			slog.Int64("job_execution_id", msg.ExecutionID),
			slog.String("job_name", msg.JobName),
			slog.Any("error", err),
		)
		c.nack(delivery, false)
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("Failed to ACK launch message",
			slog.Int64("job_execution_id", msg.ExecutionID),
			slog.String("error", ackErr.Error()),
		)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK launch message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
	}
}

func decodeLaunch(body []byte) (*runner.LaunchMessage, error) {
	var msg runner.LaunchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("invalid launch JSON: %w", err)
	}
	if msg.ExecutionID <= 0 {
		return nil, fmt.Errorf("launch message has no execution id")
	}
	if msg.JobName == "" {
		return nil, fmt.Errorf("launch message has no job name")
	}
	return &msg, nil
}
