// Package queuetest holds the behaviour every queue.Store must share
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store
type Factory func(t *testing.T) queue.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const lease = 5 * time.Minute

// NewJob builds a pending job created at base+offset
func NewJob(t job.Type, priority job.Priority, offset time.Duration, key string) *job.Job {
	created := base.Add(offset)
	return &job.Job{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Type:           t,
		Payload:        []byte(`{"battleId":"b1"}`),
		Priority:       priority,
		MaxAttempts:    3,
		Status:         job.StatusPending,
		IdempotencyKey: key,
		ScheduledAt:    created,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

// Run executes the store contract against stores made by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("insert and get", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("idempotency key", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("claim order", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("claim respects schedule", func(t *testing.T) { testClaimSchedule(t, newStore(t)) })
	t.Run("at most one claim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("conditional transitions", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("requeue", func(t *testing.T) { testRequeue(t, newStore(t)) })
	t.Run("expired leases", func(t *testing.T) { testReleaseExpired(t, newStore(t)) })
	t.Run("cancel", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("list and count", func(t *testing.T) { testListCount(t, newStore(t)) })
}

func testInsertGet(t *testing.T, s queue.Store) {
	ctx := context.Background()
	j := NewJob(job.TypeUpdateBattleState, job.PriorityNormal, 0, "")

	stored, created, err := s.Insert(ctx, j)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, j.ID, stored.ID)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.TypeUpdateBattleState, got.Type)
	assert.JSONEq(t, `{"battleId":"b1"}`, string(got.Payload))
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.True(t, j.ScheduledAt.Equal(got.ScheduledAt))
	assert.Nil(t, got.StartedAt)

	_, err = s.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func testIdempotency(t *testing.T, s queue.Store) {
	ctx := context.Background()

	first := NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 0, "battle-results:b1")
	_, created, err := s.Insert(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	dup := NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, time.Second, "battle-results:b1")
	stored, created, err := s.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)

	// a running job still holds its key
	claimed, err := s.Claim(ctx, "w1", base.Add(time.Minute), base.Add(time.Minute + lease))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, created, err = s.Insert(ctx, NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 2*time.Second, "battle-results:b1"))
	require.NoError(t, err)
	assert.False(t, created)

	// a finished job frees it
	require.NoError(t, s.Complete(ctx, first.ID, []byte(`{"outcome":"completed"}`), base.Add(time.Minute)))
	again := NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 3*time.Second, "battle-results:b1")
	stored, created, err = s.Insert(ctx, again)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, again.ID, stored.ID)

	// jobs without a key never collapse
	for i := 0; i < 2; i++ {
		_, created, err := s.Insert(ctx, NewJob(job.TypeSendNotification, job.PriorityNormal, time.Duration(i)*time.Millisecond, ""))
		require.NoError(t, err)
		assert.True(t, created)
	}
}

func testClaimOrder(t *testing.T, s queue.Store) {
	ctx := context.Background()

	low := NewJob(job.TypeSendNotification, job.PriorityLow, 0, "")
	normalOld := NewJob(job.TypeSendNotification, job.PriorityNormal, time.Second, "")
	normalNew := NewJob(job.TypeSendNotification, job.PriorityNormal, 2*time.Second, "")
	high := NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 3*time.Second, "")

	for _, j := range []*job.Job{normalNew, low, high, normalOld} {
		_, _, err := s.Insert(ctx, j)
		require.NoError(t, err)
	}

	now := base.Add(time.Minute)
	var order []string
	for i := 0; i < 4; i++ {
		j, err := s.Claim(ctx, "w1", now, now.Add(lease))
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, job.StatusRunning, j.Status)
		assert.Equal(t, "w1", j.WorkerID)
		require.NotNil(t, j.StartedAt)
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{high.ID, normalOld.ID, normalNew.ID, low.ID}, order)

	j, err := s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)
	assert.Nil(t, j)
}

func testClaimSchedule(t *testing.T, s queue.Store) {
	ctx := context.Background()

	later := NewJob(job.TypeUpdateBattleState, job.PriorityHigh, 0, "")
	later.ScheduledAt = base.Add(time.Hour)
	_, _, err := s.Insert(ctx, later)
	require.NoError(t, err)

	j, err := s.Claim(ctx, "w1", base.Add(time.Minute), base.Add(time.Minute + lease))
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = s.Claim(ctx, "w1", base.Add(time.Hour), base.Add(time.Hour + lease))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, later.ID, j.ID)
}

func testConcurrentClaim(t *testing.T, s queue.Store) {
	ctx := context.Background()
	const jobs, workers = 20, 8

	for i := 0; i < jobs; i++ {
		_, _, err := s.Insert(ctx, NewJob(job.TypeSendNotification, job.PriorityNormal, time.Duration(i)*time.Millisecond, ""))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	now := base.Add(time.Minute)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := s.Claim(ctx, worker, now, now.Add(lease))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func testTransitions(t *testing.T, s queue.Store) {
	ctx := context.Background()
	now := base.Add(time.Minute)

	j := NewJob(job.TypeProcessContent, job.PriorityNormal, 0, "")
	_, _, err := s.Insert(ctx, j)
	require.NoError(t, err)

	// nothing but running jobs can finish
	assert.ErrorIs(t, s.Complete(ctx, j.ID, nil, now), job.ErrJobNotRunning)
	assert.ErrorIs(t, s.Complete(ctx, uuid.NewString(), nil, now), job.ErrJobNotFound)

	_, err = s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)

	runAt := now.Add(2 * time.Second)
	require.NoError(t, s.Retry(ctx, j.ID, 1, "boom", runAt, now))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "boom", got.LastError)
	assert.True(t, runAt.Equal(got.ScheduledAt))

	_, err = s.Claim(ctx, "w2", runAt, runAt.Add(lease))
	require.NoError(t, err)
	require.NoError(t, s.Bury(ctx, j.ID, job.StatusDeadLettered, 2, "still boom", runAt))
	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLettered, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.ErrorIs(t, s.Retry(ctx, j.ID, 3, "x", runAt, runAt), job.ErrJobNotRunning)
}

func testRequeue(t *testing.T, s queue.Store) {
	ctx := context.Background()
	now := base.Add(time.Minute)

	j := NewJob(job.TypeProcessBattleRewards, job.PriorityHigh, 0, "battle-rewards:b1")
	_, _, err := s.Insert(ctx, j)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Requeue(ctx, j.ID, now), job.ErrJobNotDeadLettered)
	assert.ErrorIs(t, s.Requeue(ctx, uuid.NewString(), now), job.ErrJobNotFound)

	_, err = s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)
	require.NoError(t, s.Bury(ctx, j.ID, job.StatusDeadLettered, 3, "ledger down", now))

	// another active job took the key meanwhile
	other := NewJob(job.TypeProcessBattleRewards, job.PriorityHigh, time.Second, "battle-rewards:b1")
	_, created, err := s.Insert(ctx, other)
	require.NoError(t, err)
	require.True(t, created)
	assert.ErrorIs(t, s.Requeue(ctx, j.ID, now), job.ErrActiveDuplicate)

	_, err = s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, other.ID, []byte(`{}`), now))

	require.NoError(t, s.Requeue(ctx, j.ID, now.Add(time.Second)))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Nil(t, got.CompletedAt)
}

func testReleaseExpired(t *testing.T, s queue.Store) {
	ctx := context.Background()
	now := base.Add(time.Minute)

	stuck := NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 0, "battle-results:b1")
	stuck.MaxAttempts = 2
	last := NewJob(job.TypeProcessContent, job.PriorityNormal, time.Second, "")
	last.MaxAttempts = 1
	fresh := NewJob(job.TypeSendNotification, job.PriorityLow, 2*time.Second, "")
	for _, j := range []*job.Job{stuck, last, fresh} {
		_, _, err := s.Insert(ctx, j)
		require.NoError(t, err)
	}

	claimed, err := s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)
	require.Equal(t, stuck.ID, claimed.ID)
	require.NotNil(t, claimed.LeaseUntil)
	assert.True(t, now.Add(lease).Equal(*claimed.LeaseUntil))

	claimed, err = s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)
	require.Equal(t, last.ID, claimed.ID)

	later := now.Add(time.Hour)
	claimed, err = s.Claim(ctx, "w2", later, later.Add(lease))
	require.NoError(t, err)
	require.Equal(t, fresh.ID, claimed.ID)

	// the stuck job holds its key until the lease runs out
	dup := NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 3*time.Second, "battle-results:b1")
	held, created, err := s.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stuck.ID, held.ID)

	retried, buried, err := s.ReleaseExpired(ctx, now.Add(lease), "lease expired")
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.Len(t, buried, 1)
	assert.Equal(t, stuck.ID, retried[0].ID)
	assert.Equal(t, last.ID, buried[0].ID)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "lease expired", got.LastError)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.LeaseUntil)

	got, err = s.Get(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLettered, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.CompletedAt)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status, "an unexpired lease is left alone")

	// a late report from the first worker no longer lands
	assert.ErrorIs(t, s.Complete(ctx, stuck.ID, []byte(`{}`), now.Add(lease)), job.ErrJobNotRunning)

	reclaimed, err := s.Claim(ctx, "w3", now.Add(lease), now.Add(2*lease))
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, stuck.ID, reclaimed.ID)
	require.NoError(t, s.Complete(ctx, stuck.ID, []byte(`{}`), now.Add(lease)))

	_, created, err = s.Insert(ctx, NewJob(job.TypeCalculateBattleResults, job.PriorityHigh, 4*time.Second, "battle-results:b1"))
	require.NoError(t, err)
	assert.True(t, created, "the key is free once the job finishes")

	retried, buried, err = s.ReleaseExpired(ctx, now.Add(lease), "lease expired")
	require.NoError(t, err)
	assert.Empty(t, retried)
	assert.Empty(t, buried)
}

func testCancel(t *testing.T, s queue.Store) {
	ctx := context.Background()
	now := base.Add(time.Minute)

	j := NewJob(job.TypeVerifyTokenHoldings, job.PriorityNormal, 0, "verify-holdings:u1")
	_, _, err := s.Insert(ctx, j)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, j.ID, "wallet closed", now))
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "wallet closed", got.LastError)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.Cancel(ctx, j.ID, "again", now), job.ErrJobNotPending)
	assert.ErrorIs(t, s.Cancel(ctx, uuid.NewString(), "", now), job.ErrJobNotFound)

	next, err := s.Claim(ctx, "w1", now, now.Add(lease))
	require.NoError(t, err)
	assert.Nil(t, next, "failed jobs are never claimed")

	_, created, err := s.Insert(ctx, NewJob(job.TypeVerifyTokenHoldings, job.PriorityNormal, time.Second, "verify-holdings:u1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func testListCount(t *testing.T, s queue.Store) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		typ := job.TypeSendNotification
		if i%2 == 0 {
			typ = job.TypeProcessContent
		}
		j := NewJob(typ, job.PriorityNormal, time.Duration(i)*time.Second, "")
		_, _, err := s.Insert(ctx, j)
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	page, err := s.List(ctx, queue.Filter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	next, err := s.List(ctx, queue.Filter{PageSize: 10, Cursor: &queue.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, ids[2], next[0].ID)

	content, err := s.List(ctx, queue.Filter{Type: job.TypeProcessContent})
	require.NoError(t, err)
	assert.Len(t, content, 3)

	_, err = s.Claim(ctx, "w1", base.Add(time.Minute), base.Add(time.Minute + lease))
	require.NoError(t, err)

	running, err := s.List(ctx, queue.Filter{Status: job.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[job.StatusPending])
	assert.Equal(t, 1, counts[job.StatusRunning])
}
