package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/shared/breaker"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
)

// Routing keys on the topic exchange
const (
	RoutingJobReady   = "jobs.ready"
	RoutingDeadLetter = "jobs.dead_letter"
	RoutingGrants     = "ledger.grants"
)

// Publisher is the slice of the RabbitMQ client the adapters use
type Publisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Signaler announces newly enqueued jobs so idle workers wake early
type Signaler struct {
	publisher Publisher
}

func NewSignaler(publisher Publisher) *Signaler {
	return &Signaler{publisher: publisher}
}

type readyHint struct {
	JobID       string    `json:"job_id"`
	Type        job.Type  `json:"type"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Signal publishes a single best-effort hint; the queue stays the source
// of truth so no retry is attempted
func (s *Signaler) Signal(ctx context.Context, j *job.Job) error {
	body, err := json.Marshal(readyHint{JobID: j.ID, Type: j.Type, ScheduledAt: j.ScheduledAt})
	if err != nil {
		return fmt.Errorf("failed to marshal job-ready hint: %w", err)
	}
	return s.publisher.Publish(ctx, rabbitmq.Message{
		RoutingKey: RoutingJobReady,
		MessageID:  j.ID,
		Body:       body,
	})
}

// Alerter reports dead-lettered jobs to the alerting consumer
type Alerter struct {
	publisher Publisher
	logger    *slog.Logger
}

func NewAlerter(publisher Publisher, logger *slog.Logger) *Alerter {
	return &Alerter{publisher: publisher, logger: logger}
}

// DeadLetterEvent is the body of a dead-letter alert
type DeadLetterEvent struct {
	JobID     string    `json:"job_id"`
	Type      job.Type  `json:"type"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	Permanent bool      `json:"permanent"`
	At        time.Time `json:"at"`
}

func (a *Alerter) Alert(ctx context.Context, j *job.Job, cause error) error {
	event := DeadLetterEvent{
		JobID:     j.ID,
		Type:      j.Type,
		Attempts:  j.Attempts,
		Permanent: job.IsPermanent(cause),
		At:        j.UpdatedAt,
	}
	if cause != nil {
		event.Error = cause.Error()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter alert: %w", err)
	}

	if err := a.publisher.PublishWithRetry(ctx, rabbitmq.Message{
		RoutingKey: RoutingDeadLetter,
		MessageID:  j.ID,
		Body:       body,
	}); err != nil {
		return fmt.Errorf("failed to publish dead-letter alert: %w", err)
	}

	a.logger.Warn("Dead-letter alert published",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
	)
	return nil
}

// Ledger issues battle rewards by publishing grants to the ledger service.
// The grant id is the message id, which the ledger deduplicates on.
type Ledger struct {
	publisher Publisher
	breaker   *breaker.Breaker
}

func NewLedger(publisher Publisher, logger *slog.Logger) *Ledger {
	return &Ledger{
		publisher: publisher,
		breaker:   breaker.New(breaker.Config{Name: "ledger-publisher"}, logger),
	}
}

func (l *Ledger) Grant(ctx context.Context, g battle.Grant) error {
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	return l.breaker.Do(ctx, func(ctx context.Context) error {
		return l.publisher.PublishWithRetry(ctx, rabbitmq.Message{
			RoutingKey: RoutingGrants,
			MessageID:  g.ID,
			Body:       body,
			Headers:    map[string]any{"battle_id": g.BattleID},
		})
	})
}
