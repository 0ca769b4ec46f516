package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// Sender delivers a notification to a user through an external service
type Sender interface {
	Send(ctx context.Context, userID, notificationType string, data map[string]any) error
}

// Dispatcher is the SendNotification handler. Other handlers never call
// it inline; they enqueue a job so a delivery failure stays isolated.
type Dispatcher struct {
	sender  Sender
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewDispatcher creates a notification dispatcher
func NewDispatcher(sender Sender, recorder metrics.Recorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		metrics: recorder,
		logger:  logger,
	}
}

// Handle runs one SendNotification job
func (d *Dispatcher) Handle(ctx context.Context, p job.SendNotificationPayload) (job.Result, error) {
	if p.UserID == "" || p.Type == "" {
		return job.Result{}, job.Permanent(fmt.Errorf("%w: notification needs userId and type", job.ErrInvalidPayload))
	}

	tags := metrics.Tags{"type": p.Type}
	if err := d.sender.Send(ctx, p.UserID, p.Type, p.Data); err != nil {
		d.metrics.Increment("notification.error", tags)
		return job.Result{}, fmt.Errorf("failed to send %s notification to user %s: %w", p.Type, p.UserID, err)
	}

	d.metrics.Increment("notification.sent", tags)
	d.logger.Debug("Notification sent",
		slog.String("user_id", p.UserID),
		slog.String("type", p.Type),
	)

	return job.Completed(map[string]any{
		"userId": p.UserID,
		"type":   p.Type,
	}), nil
}
