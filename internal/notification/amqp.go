package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/shared/breaker"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
)

// RoutingKeyPrefix prefixes the notification type in the routing key
const RoutingKeyPrefix = "notifications."

// Publisher is the slice of the RabbitMQ client the sender uses
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Message is the wire form of a notification
type Message struct {
	UserID string         `json:"userId"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
	SentAt time.Time      `json:"sentAt"`
}

// AMQPSender hands notifications to the delivery service over RabbitMQ
type AMQPSender struct {
	publisher Publisher
	breaker   *breaker.Breaker
	now       func() time.Time
}

// NewAMQPSender creates a sender publishing to notifications.<type>
func NewAMQPSender(publisher Publisher, logger *slog.Logger) *AMQPSender {
	return &AMQPSender{
		publisher: publisher,
		breaker:   breaker.New(breaker.Config{Name: "notification-publisher"}, logger),
		now:       time.Now,
	}
}

func (s *AMQPSender) Send(ctx context.Context, userID, notificationType string, data map[string]any) error {
	body, err := json.Marshal(Message{
		UserID: userID,
		Type:   notificationType,
		Data:   data,
		SentAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// the job id keeps retries of one job recognisable downstream
	messageID := job.IDFromContext(ctx)
	if messageID == "" {
		messageID = uuid.NewString()
	}

	return s.breaker.Do(ctx, func(ctx context.Context) error {
		return s.publisher.PublishWithRetry(ctx, rabbitmq.Message{
			RoutingKey:  RoutingKeyPrefix + notificationType,
			MessageID:   messageID,
			ContentType: "application/json",
			Body:        body,
		})
	})
}
