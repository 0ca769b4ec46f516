package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// readyHint is the body of a job-ready message
type readyHint struct {
	JobID string `json:"job_id"`
}

// setupConsumer sets up the RabbitMQ consumer for job-ready hints
func (w *Worker) setupConsumer(ctx context.Context) (<-chan amqp.Delivery, error) {
	channel := w.rabbitClient.GetChannel()
	if channel == nil {
		return nil, fmt.Errorf("rabbitmq channel is nil")
	}

	if err := channel.Qos(w.prefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := w.rabbitClient.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Job-ready consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// startHintDispatcher acknowledges hints and wakes idle loops. The hint
// only says "look now"; the queue remains the source of truth.
func (w *Worker) startHintDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed, falling back to polling")
				return
			}

			var hint readyHint
			if err := json.Unmarshal(delivery.Body, &hint); err != nil {
				w.logger.Warn("Dropping malformed job-ready hint",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				w.nack(delivery)
				continue
			}

			if _, err := uuid.Parse(hint.JobID); err != nil {
				w.logger.Warn("Dropping job-ready hint with invalid job_id",
					slog.String("job_id", hint.JobID),
				)
				w.nack(delivery)
				continue
			}

			if err := delivery.Ack(false); err != nil {
				w.logger.Error("Failed to ACK job-ready hint",
					slog.String("job_id", hint.JobID),
					slog.String("error", err.Error()),
				)
			}

			w.logger.Debug("Job-ready hint received", slog.String("job_id", hint.JobID))
			w.Wake()
		}
	}
}

func (w *Worker) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		w.logger.Error("Failed to NACK job-ready hint",
			slog.String("error", err.Error()),
		)
	}
}
