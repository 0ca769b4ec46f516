package battle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// Notification types emitted by battle handlers
const (
	NotificationBattleResults = "battle_results"
	NotificationRewardGranted = "reward_granted"
)

// ResultsCalculator ranks the entries of a completed battle
type ResultsCalculator struct {
	repo     Repository
	enqueuer Enqueuer
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewResultsCalculator creates a results calculator
func NewResultsCalculator(repo Repository, enqueuer Enqueuer, recorder metrics.Recorder, logger *slog.Logger) *ResultsCalculator {
	return &ResultsCalculator{
		repo:     repo,
		enqueuer: enqueuer,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle runs one CalculateBattleResults job
func (c *ResultsCalculator) Handle(ctx context.Context, p job.CalculateBattleResultsPayload) (job.Result, error) {
	b, err := c.repo.Get(ctx, p.BattleID)
	if err != nil {
		c.metrics.Increment("battle.results_error", nil)
		return job.Result{}, fmt.Errorf("failed to load battle %s: %w", p.BattleID, err)
	}
	if b.Status != StatusCompleted {
		c.logger.Warn("Battle not completed, skipping results",
			slog.String("battle_id", b.ID),
			slog.String("status", string(b.Status)),
		)
		return job.Skipped("incorrect state"), nil
	}

	results, created, err := c.resultsFor(ctx, b)
	if err != nil {
		c.metrics.Increment("battle.results_error", nil)
		return job.Result{}, err
	}

	if created {
		c.metrics.Increment("battle.results_calculated", nil)
		c.metrics.Observe("battle.participant_count", float64(results.ParticipantCount), nil)
		c.logger.Info("Battle results calculated",
			slog.String("battle_id", b.ID),
			slog.Int("participants", results.ParticipantCount),
			slog.Int("entries", len(results.Rankings)),
		)
	}

	// the rewards key collapses onto a waiting job and the processor
	// skips issued battles, so re-enqueueing is safe until the marker is set
	rewards := created || b.RewardsIssuedAt == nil
	if rewards {
		if err := c.enqueueRewards(ctx, results); err != nil {
			return job.Result{}, err
		}
	}

	// notification keys only guard against waiting jobs, so a rerun after
	// they finished relies on the persisted marker instead
	notify := results.NotifiedAt == nil
	if notify {
		if err := c.notifyParticipants(ctx, results); err != nil {
			return job.Result{}, err
		}
		if _, err := c.repo.MarkResultsNotified(ctx, b.ID, c.now().UTC()); err != nil {
			return job.Result{}, fmt.Errorf("failed to mark results notified for battle %s: %w", b.ID, err)
		}
	}

	return job.Completed(map[string]any{
		"battleId":         b.ID,
		"participantCount": results.ParticipantCount,
		"entries":          len(results.Rankings),
		"created":          created,
		"rewardsEnqueued":  rewards,
		"notified":         notify,
	}), nil
}

// resultsFor returns stored results or computes and stores them
func (c *ResultsCalculator) resultsFor(ctx context.Context, b *Battle) (*Results, bool, error) {
	existing, err := c.repo.GetResults(ctx, b.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load results for battle %s: %w", b.ID, err)
	}

	entries, err := c.repo.ListEntries(ctx, b.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list entries for battle %s: %w", b.ID, err)
	}

	results := &Results{
		BattleID:         b.ID,
		ParticipantCount: participantCount(b, entries),
		Rankings:         Rank(entries),
		CalculatedAt:     c.now().UTC(),
	}

	created, err := c.repo.SaveResults(ctx, results)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save results for battle %s: %w", b.ID, err)
	}
	if created {
		return results, true, nil
	}

	// a concurrent run stored first
	existing, err = c.repo.GetResults(ctx, b.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reload results for battle %s: %w", b.ID, err)
	}
	return existing, false, nil
}

func (c *ResultsCalculator) enqueueRewards(ctx context.Context, r *Results) error {
	_, err := c.enqueuer.Enqueue(ctx, job.ProcessBattleRewardsPayload{
		BattleID:         r.BattleID,
		ParticipantCount: r.ParticipantCount,
		Rankings:         r.Rankings,
	},
		job.WithPriority(job.PriorityHigh),
		job.WithIdempotencyKey(rewardsKey(r.BattleID)),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue rewards for battle %s: %w", r.BattleID, err)
	}
	return nil
}

func (c *ResultsCalculator) notifyParticipants(ctx context.Context, r *Results) error {
	// one notification per user, carrying their best rank
	seen := make(map[string]struct{}, len(r.Rankings))
	for _, e := range r.Rankings {
		if _, ok := seen[e.UserID]; ok {
			continue
		}
		seen[e.UserID] = struct{}{}

		_, err := c.enqueuer.Enqueue(ctx, job.SendNotificationPayload{
			UserID: e.UserID,
			Type:   NotificationBattleResults,
			Data: map[string]any{
				"battleId": r.BattleID,
				"rank":     e.Rank,
				"votes":    e.Votes,
			},
		},
			job.WithPriority(job.PriorityLow),
			job.WithIdempotencyKey(fmt.Sprintf("battle-results-notify:%s:%s", r.BattleID, e.UserID)),
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue results notification for user %s: %w", e.UserID, err)
		}
	}
	return nil
}

// Rank orders entries by votes, then earliest submission, then entry id
func Rank(entries []Entry) []job.RankedEntry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Votes != b.Votes {
			return a.Votes > b.Votes
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID < b.ID
	})

	ranked := make([]job.RankedEntry, len(sorted))
	for i, e := range sorted {
		ranked[i] = job.RankedEntry{
			Rank:        i + 1,
			EntryID:     e.ID,
			UserID:      e.UserID,
			Votes:       e.Votes,
			SubmittedAt: e.SubmittedAt.UTC(),
		}
	}
	return ranked
}

func participantCount(b *Battle, entries []Entry) int {
	users := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		users[e.UserID] = struct{}{}
	}
	if b.ParticipantCount > len(users) {
		return b.ParticipantCount
	}
	return len(users)
}
