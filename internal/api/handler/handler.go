package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/content"
	"github.com/cuongbtq/battle-orchestrator/internal/holdings"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
)

// JobQueue is the part of the queue service the API exposes
type JobQueue interface {
	Enqueue(ctx context.Context, payload job.Payload, opts ...job.Option) (string, error)
	EnqueueRaw(ctx context.Context, t job.Type, raw json.RawMessage, opts ...job.Option) (string, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter queue.Filter) ([]*job.Job, *queue.Cursor, error)
	Requeue(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string, reason string) error
	Stats(ctx context.Context) (queue.Stats, error)
}

type BattleReader interface {
	Get(ctx context.Context, id string) (*battle.Battle, error)
}

type ContentReader interface {
	Get(ctx context.Context, id string) (*content.Content, error)
}

type UserReader interface {
	Get(ctx context.Context, userID string) (*holdings.UserHoldings, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Queue    JobQueue
	Battles  BattleReader
	Contents ContentReader
	Users    UserReader
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger *slog.Logger
	queue  JobQueue
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
	}
}

// TriggerHandler enqueues domain jobs on behalf of other services
type TriggerHandler struct {
	logger   *slog.Logger
	queue    JobQueue
	battles  BattleReader
	contents ContentReader
	users    UserReader
}

// NewTriggerHandler creates a new TriggerHandler instance
func NewTriggerHandler(deps *Dependencies) *TriggerHandler {
	return &TriggerHandler{
		logger:   deps.Logger,
		queue:    deps.Queue,
		battles:  deps.Battles,
		contents: deps.Contents,
		users:    deps.Users,
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrJobNotFound), errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrJobNotDeadLettered), errors.Is(err, job.ErrJobNotPending),
		errors.Is(err, job.ErrActiveDuplicate):
		return http.StatusConflict
	case errors.Is(err, job.ErrUnknownType), errors.Is(err, job.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(status, gin.H{"error": msg, "details": err.Error()})
}
