package battle_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_OpenToVoting(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.repo.put(battle.Battle{
		ID:            "b-1",
		Status:        battle.StatusOpen,
		StartTime:     now.Add(-2 * time.Hour),
		EndTime:       now.Add(-time.Minute),
		VotingEndTime: now.Add(time.Hour),
	})

	lc := battle.NewLifecycle(h.repo, h.queue, h.metrics, h.logger)
	lc.SetNow(func() time.Time { return now })

	res, err := lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "open", res.Data["previousStatus"])
	assert.Equal(t, "voting", res.Data["status"])
	assert.Equal(t, true, res.Data["stateChanged"])

	b, err := h.repo.Get(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, battle.StatusVoting, b.Status)
	assert.Equal(t, now, b.UpdatedAt)

	assert.Equal(t, 1, h.metrics.Count("battle.transition.open_to_voting", nil))
	assert.Equal(t, 1, h.metrics.Count("battle.state_transition", map[string]string{"from": "open", "to": "voting"}))

	follow := h.jobs(t, job.TypeUpdateBattleState)
	require.Len(t, follow, 1)
	assert.Equal(t, "battle-state:b-1:completed", follow[0].IdempotencyKey)
	assert.True(t, follow[0].ScheduledAt.Equal(now.Add(time.Hour)))

	// running the same job again changes nothing
	res, err = lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "b-1"})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeNoop, res.Outcome)
	assert.Equal(t, false, res.Data["stateChanged"])
	assert.Equal(t, "voting", res.Data["status"])
	assert.Equal(t, 1, h.metrics.Count("battle.transition.open_to_voting", nil))
	assert.Len(t, h.jobs(t, job.TypeUpdateBattleState), 1)
}

func TestLifecycle_ReachesCompletedOneStepAtATime(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.repo.put(battle.Battle{
		ID:            "b-2",
		Status:        battle.StatusScheduled,
		StartTime:     now.Add(-3 * time.Hour),
		EndTime:       now.Add(-2 * time.Hour),
		VotingEndTime: now.Add(-time.Hour),
	})

	lc := battle.NewLifecycle(h.repo, h.queue, h.metrics, h.logger)
	lc.SetNow(func() time.Time { return now })

	var seen []battle.Status
	for i := 0; i < 5; i++ {
		_, err := lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "b-2"})
		require.NoError(t, err)
		b, err := h.repo.Get(context.Background(), "b-2")
		require.NoError(t, err)
		seen = append(seen, b.Status)
	}

	assert.Equal(t, []battle.Status{
		battle.StatusOpen,
		battle.StatusVoting,
		battle.StatusCompleted,
		battle.StatusCompleted,
		battle.StatusCompleted,
	}, seen)

	results := h.jobs(t, job.TypeCalculateBattleResults)
	require.Len(t, results, 1)
	assert.Equal(t, job.PriorityHigh, results[0].Priority)
	assert.Equal(t, "battle-results:b-2", results[0].IdempotencyKey)
}

func TestLifecycle_CompletedWithoutResultsReenqueues(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.repo.put(battle.Battle{
		ID:            "b-3",
		Status:        battle.StatusCompleted,
		StartTime:     now.Add(-3 * time.Hour),
		EndTime:       now.Add(-2 * time.Hour),
		VotingEndTime: now.Add(-time.Hour),
	})

	lc := battle.NewLifecycle(h.repo, h.queue, h.metrics, h.logger)
	lc.SetNow(func() time.Time { return now })

	res, err := lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "b-3"})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeNoop, res.Outcome)
	assert.Len(t, h.jobs(t, job.TypeCalculateBattleResults), 1)

	h.repo.results["b-3"] = &battle.Results{BattleID: "b-3"}
	_, err = lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "b-3"})
	require.NoError(t, err)
	assert.Len(t, h.jobs(t, job.TypeCalculateBattleResults), 1)
}

func TestLifecycle_NotFound(t *testing.T) {
	h := newHarness(t)
	lc := battle.NewLifecycle(h.repo, h.queue, h.metrics, h.logger)

	_, err := lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.False(t, job.IsPermanent(err))
	assert.Equal(t, 1, h.metrics.Count("battle.state_update_error", nil))
}

func TestLifecycle_BeforeBoundaryIsNoop(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	h.repo.put(battle.Battle{
		ID:            "b-4",
		Status:        battle.StatusScheduled,
		StartTime:     now.Add(time.Hour),
		EndTime:       now.Add(2 * time.Hour),
		VotingEndTime: now.Add(3 * time.Hour),
	})

	lc := battle.NewLifecycle(h.repo, h.queue, h.metrics, h.logger)
	lc.SetNow(func() time.Time { return now })

	res, err := lc.Handle(context.Background(), job.UpdateBattleStatePayload{BattleID: "b-4"})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeNoop, res.Outcome)
	assert.Equal(t, "scheduled", res.Data["status"])
	assert.Empty(t, h.jobs(t, ""))
}
