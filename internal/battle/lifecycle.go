package battle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// Lifecycle advances battles through scheduled, open, voting and
// completed as their boundaries pass
type Lifecycle struct {
	repo     Repository
	enqueuer Enqueuer
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewLifecycle creates a lifecycle manager
func NewLifecycle(repo Repository, enqueuer Enqueuer, recorder metrics.Recorder, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		repo:     repo,
		enqueuer: enqueuer,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle runs one UpdateBattleState job. At most one step is applied per
// run; the follow-up job for the next boundary carries the battle on.
func (l *Lifecycle) Handle(ctx context.Context, p job.UpdateBattleStatePayload) (job.Result, error) {
	b, err := l.repo.Get(ctx, p.BattleID)
	if err != nil {
		l.metrics.Increment("battle.state_update_error", nil)
		return job.Result{}, fmt.Errorf("failed to load battle %s: %w", p.BattleID, err)
	}

	now := l.now().UTC()
	previous := b.Status

	next, ok := NextStatus(b, now)
	if !ok {
		if b.Status == StatusCompleted {
			if err := l.ensureResults(ctx, b.ID); err != nil {
				return job.Result{}, err
			}
		}
		return job.Noop(stateData(b.ID, previous, previous, false)), nil
	}

	changed, err := l.repo.TransitionStatus(ctx, b.ID, previous, next, now)
	if err != nil {
		l.metrics.Increment("battle.state_update_error", nil)
		return job.Result{}, fmt.Errorf("failed to transition battle %s: %w", b.ID, err)
	}
	if !changed {
		l.logger.Info("Battle transition lost to a concurrent update",
			slog.String("battle_id", b.ID),
			slog.String("from", string(previous)),
			slog.String("to", string(next)),
		)
		return job.Noop(stateData(b.ID, previous, previous, false)), nil
	}

	l.logger.Info("Battle state changed",
		slog.String("battle_id", b.ID),
		slog.String("from", string(previous)),
		slog.String("to", string(next)),
	)
	l.metrics.Increment("battle.state_transition", metrics.Tags{"from": string(previous), "to": string(next)})
	l.metrics.Increment(fmt.Sprintf("battle.transition.%s_to_%s", previous, next), nil)

	b.Status = next
	if err := l.scheduleNext(ctx, b); err != nil {
		return job.Result{}, err
	}

	return job.Completed(stateData(b.ID, previous, next, true)), nil
}

// scheduleNext enqueues whatever the new status calls for
func (l *Lifecycle) scheduleNext(ctx context.Context, b *Battle) error {
	if b.Status == StatusCompleted {
		_, err := l.enqueuer.Enqueue(ctx, job.CalculateBattleResultsPayload{BattleID: b.ID},
			job.WithPriority(job.PriorityHigh),
			job.WithIdempotencyKey(resultsKey(b.ID)),
		)
		if err != nil {
			return fmt.Errorf("failed to enqueue results for battle %s: %w", b.ID, err)
		}
		return nil
	}

	next, at, ok := NextBoundary(b)
	if !ok {
		return nil
	}
	_, err := l.enqueuer.Enqueue(ctx, job.UpdateBattleStatePayload{BattleID: b.ID},
		job.WithRunAt(at),
		job.WithIdempotencyKey(StateKey(b.ID, next)),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule next transition for battle %s: %w", b.ID, err)
	}
	return nil
}

// ensureResults re-enqueues the results job for a completed battle that
// has none yet, covering a crash between transition and enqueue
func (l *Lifecycle) ensureResults(ctx context.Context, battleID string) error {
	_, err := l.repo.GetResults(ctx, battleID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, job.ErrNotFound) {
		return fmt.Errorf("failed to load results for battle %s: %w", battleID, err)
	}
	return l.scheduleNext(ctx, &Battle{ID: battleID, Status: StatusCompleted})
}

func stateData(battleID string, previous, current Status, changed bool) map[string]any {
	return map[string]any{
		"battleId":       battleID,
		"previousStatus": string(previous),
		"status":         string(current),
		"stateChanged":   changed,
	}
}
