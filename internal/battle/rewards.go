package battle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// Grant is one reward issued to a ranked entry
type Grant struct {
	ID       string `json:"id"`
	BattleID string `json:"battleId"`
	EntryID  string `json:"entryId"`
	UserID   string `json:"userId"`
	Rank     int    `json:"rank"`
	Amount   int64  `json:"amount"`
}

// GrantID is deterministic per battle and rank so the ledger can
// discard replays
func GrantID(battleID string, rank int) string {
	return fmt.Sprintf("%s:%d", battleID, rank)
}

// Ledger issues rewards. Grants with an ID seen before must be ignored.
type Ledger interface {
	Grant(ctx context.Context, g Grant) error
}

// RewardProcessor issues rewards for computed battle results
type RewardProcessor struct {
	repo     Repository
	ledger   Ledger
	enqueuer Enqueuer
	amounts  []int64
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewRewardProcessor creates a reward processor. amounts[i] is paid to
// rank i+1.
func NewRewardProcessor(repo Repository, ledger Ledger, enqueuer Enqueuer, amounts []int64, recorder metrics.Recorder, logger *slog.Logger) *RewardProcessor {
	return &RewardProcessor{
		repo:     repo,
		ledger:   ledger,
		enqueuer: enqueuer,
		amounts:  append([]int64(nil), amounts...),
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Allocate maps rankings to grants using the configured amounts
func (r *RewardProcessor) Allocate(battleID string, rankings []job.RankedEntry) []Grant {
	var grants []Grant
	for _, e := range rankings {
		if e.Rank < 1 || e.Rank > len(r.amounts) {
			continue
		}
		amount := r.amounts[e.Rank-1]
		if amount <= 0 {
			continue
		}
		grants = append(grants, Grant{
			ID:       GrantID(battleID, e.Rank),
			BattleID: battleID,
			EntryID:  e.EntryID,
			UserID:   e.UserID,
			Rank:     e.Rank,
			Amount:   amount,
		})
	}
	return grants
}

// Handle runs one ProcessBattleRewards job
func (r *RewardProcessor) Handle(ctx context.Context, p job.ProcessBattleRewardsPayload) (job.Result, error) {
	b, err := r.repo.Get(ctx, p.BattleID)
	if err != nil {
		r.metrics.Increment("battle.rewards_error", nil)
		return job.Result{}, fmt.Errorf("failed to load battle %s: %w", p.BattleID, err)
	}
	if b.RewardsIssuedAt != nil {
		return job.Noop(map[string]any{
			"battleId":      b.ID,
			"alreadyIssued": true,
		}), nil
	}
	if b.Status != StatusCompleted {
		return job.Skipped("incorrect state"), nil
	}

	grants := r.Allocate(b.ID, p.Rankings)
	for _, g := range grants {
		if err := r.ledger.Grant(ctx, g); err != nil {
			r.metrics.Increment("battle.rewards_error", nil)
			return job.Result{}, fmt.Errorf("failed to grant reward %s: %w", g.ID, err)
		}
	}

	marked, err := r.repo.MarkRewardsIssued(ctx, b.ID, r.now().UTC())
	if err != nil {
		r.metrics.Increment("battle.rewards_error", nil)
		return job.Result{}, fmt.Errorf("failed to mark rewards issued for battle %s: %w", b.ID, err)
	}
	if !marked {
		return job.Noop(map[string]any{
			"battleId":      b.ID,
			"alreadyIssued": true,
		}), nil
	}

	for _, g := range grants {
		_, err := r.enqueuer.Enqueue(ctx, job.SendNotificationPayload{
			UserID: g.UserID,
			Type:   NotificationRewardGranted,
			Data: map[string]any{
				"battleId": g.BattleID,
				"rank":     g.Rank,
				"amount":   g.Amount,
			},
		}, job.WithIdempotencyKey("battle-reward-notify:"+g.ID))
		if err != nil {
			return job.Result{}, fmt.Errorf("failed to enqueue reward notification for user %s: %w", g.UserID, err)
		}
	}

	r.metrics.Increment("battle.rewards_issued", nil)
	r.logger.Info("Battle rewards issued",
		slog.String("battle_id", b.ID),
		slog.Int("grants", len(grants)),
	)

	return job.Completed(map[string]any{
		"battleId": b.ID,
		"grants":   len(grants),
	}), nil
}
