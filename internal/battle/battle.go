package battle

import (
	"context"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

// Status is the lifecycle stage of a battle
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusOpen      Status = "open"
	StatusVoting    Status = "voting"
	StatusCompleted Status = "completed"
)

// Battle is a time-boxed competition
type Battle struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	StartTime        time.Time  `json:"startTime"`
	EndTime          time.Time  `json:"endTime"`
	VotingEndTime    time.Time  `json:"votingEndTime"`
	ParticipantCount int        `json:"participantCount"`
	EntryCount       int        `json:"entryCount"`
	RewardsIssuedAt  *time.Time `json:"rewardsIssuedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Entry is one submission to a battle
type Entry struct {
	ID          string    `json:"id"`
	BattleID    string    `json:"battleId"`
	UserID      string    `json:"userId"`
	Votes       int       `json:"votes"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Results is the immutable ranking of a completed battle
type Results struct {
	BattleID         string            `json:"battleId"`
	ParticipantCount int               `json:"participantCount"`
	Rankings         []job.RankedEntry `json:"rankings"`
	CalculatedAt     time.Time         `json:"calculatedAt"`
	NotifiedAt       *time.Time        `json:"notifiedAt,omitempty"`
}

// Repository is the persistence the battle handlers need. Lookups of
// missing records return an error wrapping job.ErrNotFound.
type Repository interface {
	Get(ctx context.Context, id string) (*Battle, error)

	// TransitionStatus sets status to `to` only while it is still `from`.
	// It reports whether the row changed.
	TransitionStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)

	ListEntries(ctx context.Context, battleID string) ([]Entry, error)
	GetResults(ctx context.Context, battleID string) (*Results, error)

	// SaveResults inserts results unless some already exist
	SaveResults(ctx context.Context, r *Results) (bool, error)

	// MarkResultsNotified records that participants were told their
	// ranks, only if no earlier run did
	MarkResultsNotified(ctx context.Context, battleID string, now time.Time) (bool, error)

	// MarkRewardsIssued sets the rewards marker only if it is unset
	MarkRewardsIssued(ctx context.Context, battleID string, now time.Time) (bool, error)

	// ListDue returns battles that are not completed and whose next
	// boundary is at or before now
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Battle, error)
}

// Enqueuer schedules follow-up jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, payload job.Payload, opts ...job.Option) (string, error)
}

// NextStatus applies the transition rule once. The second result is
// false when no boundary has been crossed.
func NextStatus(b *Battle, now time.Time) (Status, bool) {
	switch {
	case b.Status == StatusScheduled && !now.Before(b.StartTime):
		return StatusOpen, true
	case b.Status == StatusOpen && !now.Before(b.EndTime):
		return StatusVoting, true
	case b.Status == StatusVoting && !now.Before(b.VotingEndTime):
		return StatusCompleted, true
	default:
		return b.Status, false
	}
}

// NextBoundary returns the status a battle moves to next and when
func NextBoundary(b *Battle) (Status, time.Time, bool) {
	switch b.Status {
	case StatusScheduled:
		return StatusOpen, b.StartTime, true
	case StatusOpen:
		return StatusVoting, b.EndTime, true
	case StatusVoting:
		return StatusCompleted, b.VotingEndTime, true
	default:
		return "", time.Time{}, false
	}
}

// StateKey is the idempotency key of the UpdateBattleState job that
// moves a battle into next
func StateKey(battleID string, next Status) string {
	return "battle-state:" + battleID + ":" + string(next)
}

func resultsKey(battleID string) string {
	return "battle-results:" + battleID
}

func rewardsKey(battleID string) string {
	return "battle-rewards:" + battleID
}
