package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/binary-insights/prompt2mesh/internal/job"
)

// setupConsumer sets up the RabbitMQ consumer with QoS and returns the
// delivery channel.
func (o *Orchestrator) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := o.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	// Prefetch bounds unacknowledged messages per consumer so a slow engine
	// call does not pile work onto one process.
	err := channel.Qos(
		o.prefetchCount,
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	o.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", o.prefetchCount),
	)

	deliveries, err := o.rabbitClient.Consume(o.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	o.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", o.workerID),
		slog.String("queue", o.queueName),
	)

	return deliveries, nil
}

// startMessageDispatcher listens to RabbitMQ deliveries and dispatches jobs
// to the worker pool.
func (o *Orchestrator) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	o.logger.Info("Message dispatcher started",
		slog.String("worker_id", o.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				o.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg struct {
				JobID string `json:"job_id"`
			}

			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				o.logger.Error("Failed to parse message JSON",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Malformed messages can never succeed, drop without requeue.
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					o.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				o.logger.Error("Invalid job_id format - not a UUID",
					slog.String("job_id", msg.JobID),
					slog.String("error", err.Error()),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					o.logger.Error("Failed to NACK message with invalid job_id",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			jobMsg := &job.Message{
				JobID:       msg.JobID,
				DeliveryTag: delivery.DeliveryTag,
			}

			select {
			case o.jobsChan <- jobMsg:
				o.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", msg.JobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				o.logger.Info("Message dispatcher stopped while dispatching job")
				// Requeue so another consumer picks it up after shutdown.
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					o.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}
