package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the typed body of a job. Each job type has exactly one
// payload struct; the type of a job is derived from its payload.
type Payload interface {
	JobType() Type
}

// ProcessContentPayload asks the content pipeline to process one item
type ProcessContentPayload struct {
	ContentID string `json:"contentId"`
}

func (ProcessContentPayload) JobType() Type { return TypeProcessContent }

// UpdateBattleStatePayload asks the lifecycle manager to re-evaluate a battle
type UpdateBattleStatePayload struct {
	BattleID string `json:"battleId"`
}

func (UpdateBattleStatePayload) JobType() Type { return TypeUpdateBattleState }

// CalculateBattleResultsPayload asks for the ranking of a completed battle
type CalculateBattleResultsPayload struct {
	BattleID string `json:"battleId"`
}

func (CalculateBattleResultsPayload) JobType() Type { return TypeCalculateBattleResults }

// RankedEntry is one line of a battle ranking
type RankedEntry struct {
	Rank        int       `json:"rank"`
	EntryID     string    `json:"entryId"`
	UserID      string    `json:"userId"`
	Votes       int       `json:"votes"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ProcessBattleRewardsPayload carries computed results to the reward processor
type ProcessBattleRewardsPayload struct {
	BattleID         string        `json:"battleId"`
	ParticipantCount int           `json:"participantCount"`
	Rankings         []RankedEntry `json:"rankings"`
}

func (ProcessBattleRewardsPayload) JobType() Type { return TypeProcessBattleRewards }

// SendNotificationPayload is a single user notification
type SendNotificationPayload struct {
	UserID string         `json:"userId"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data,omitempty"`
}

func (SendNotificationPayload) JobType() Type { return TypeSendNotification }

// VerifyTokenHoldingsPayload asks for a balance check of a user's wallet
type VerifyTokenHoldingsPayload struct {
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
}

func (VerifyTokenHoldingsPayload) JobType() Type { return TypeVerifyTokenHoldings }

// NewPayload returns a pointer to the zero payload for t
func NewPayload(t Type) (Payload, error) {
	switch t {
	case TypeProcessContent:
		return &ProcessContentPayload{}, nil
	case TypeUpdateBattleState:
		return &UpdateBattleStatePayload{}, nil
	case TypeCalculateBattleResults:
		return &CalculateBattleResultsPayload{}, nil
	case TypeProcessBattleRewards:
		return &ProcessBattleRewardsPayload{}, nil
	case TypeSendNotification:
		return &SendNotificationPayload{}, nil
	case TypeVerifyTokenHoldings:
		return &VerifyTokenHoldingsPayload{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// DecodePayload decodes raw JSON into the payload variant for t
func DecodePayload(t Type, raw []byte) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return p, nil
}
