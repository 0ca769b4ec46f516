package job

import (
	"encoding/json"
	"time"
)

// Type identifies which handler processes a job
type Type string

const (
	TypeProcessContent         Type = "process_content"
	TypeUpdateBattleState      Type = "update_battle_state"
	TypeCalculateBattleResults Type = "calculate_battle_results"
	TypeProcessBattleRewards   Type = "process_battle_rewards"
	TypeSendNotification       Type = "send_notification"
	TypeVerifyTokenHoldings    Type = "verify_token_holdings"
)

// Types lists every job type the engine knows about
var Types = []Type{
	TypeProcessContent,
	TypeUpdateBattleState,
	TypeCalculateBattleResults,
	TypeProcessBattleRewards,
	TypeSendNotification,
	TypeVerifyTokenHoldings,
}

// Valid reports whether t belongs to the closed set of job types
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job record
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no worker will pick the job up again
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDeadLettered
}

// Priority orders dequeue; higher values are served first
type Priority int

const (
	PriorityLow    Priority = -10
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 10
)

// ParsePriority maps the API names low/normal/high to a Priority
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	default:
		return PriorityNormal, false
	}
}

func (p Priority) String() string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Job is a persisted unit of asynchronous work
type Job struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       Priority        `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	WorkerID       string          `json:"worker_id,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so stores never hand out shared state
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
