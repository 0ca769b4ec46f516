package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

type CreateJobRequest struct {
	Type           string          `json:"type" binding:"required"`
	Payload        json.RawMessage `json:"payload" binding:"required"`
	Priority       string          `json:"priority" binding:"omitempty,oneof=low normal high"`
	DelaySeconds   int             `json:"delay_seconds" binding:"gte=0"`
	RunAt          *time.Time      `json:"run_at"`
	MaxAttempts    int             `json:"max_attempts" binding:"gte=0"`
	IdempotencyKey string          `json:"idempotency_key" binding:"max=255"`
}

type CancelJobRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type VerifyHoldingsRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type EnqueuedResponse struct {
	JobID   string `json:"job_id"`
	JobType string `json:"job_type"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       string          `json:"priority"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	ScheduledAt    string          `json:"scheduled_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	LeaseUntil     string          `json:"lease_until,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// FromJob converts a job record to its API representation
func FromJob(j *job.Job) JobDTO {
	d := JobDTO{
		JobID:          j.ID,
		JobType:        string(j.Type),
		Payload:        j.Payload,
		Priority:       j.Priority.String(),
		Status:         string(j.Status),
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		IdempotencyKey: j.IdempotencyKey,
		LastError:      j.LastError,
		WorkerID:       j.WorkerID,
		ScheduledAt:    j.ScheduledAt.Format(time.RFC3339Nano),
		CreatedAt:      j.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(j.Result) > 0 {
		d.Result = j.Result
	}
	if j.StartedAt != nil {
		d.StartedAt = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.LeaseUntil != nil {
		d.LeaseUntil = j.LeaseUntil.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		d.CompletedAt = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return d
}
