package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_Valid(t *testing.T) {
	for _, typ := range Types {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, Type("mine_bitcoin").Valid())
	assert.False(t, Type("").Valid())
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusDeadLettered, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
		ok   bool
	}{
		{"low", PriorityLow, true},
		{"normal", PriorityNormal, true},
		{"", PriorityNormal, true},
		{"high", PriorityHigh, true},
		{"urgent", PriorityNormal, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePriority(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			if ok && tt.in != "" {
				assert.Equal(t, tt.in, got.String())
			}
		})
	}
}

func TestOptions_ScheduledAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	runAt := now.Add(time.Hour)

	assert.Equal(t, now, ApplyOptions().ScheduledAt(now))
	assert.Equal(t, now.Add(time.Minute), ApplyOptions(WithDelay(time.Minute)).ScheduledAt(now))
	assert.Equal(t, runAt, ApplyOptions(WithDelay(time.Minute), WithRunAt(runAt)).ScheduledAt(now))

	o := ApplyOptions(WithPriority(PriorityHigh), WithMaxAttempts(5), WithIdempotencyKey("k"))
	assert.Equal(t, PriorityHigh, o.Priority)
	assert.Equal(t, 5, o.MaxAttempts)
	assert.Equal(t, "k", o.IdempotencyKey)
}

func TestDecodePayload(t *testing.T) {
	t.Run("every type has a variant", func(t *testing.T) {
		for _, typ := range Types {
			p, err := NewPayload(typ)
			require.NoError(t, err)
			assert.Equal(t, typ, p.JobType())
		}
	})

	t.Run("typed decode", func(t *testing.T) {
		p, err := DecodePayload(TypeSendNotification, []byte(`{"userId":"u1","type":"reward_granted","data":{"amount":100}}`))
		require.NoError(t, err)

		n, ok := p.(*SendNotificationPayload)
		require.True(t, ok)
		assert.Equal(t, "u1", n.UserID)
		assert.Equal(t, "reward_granted", n.Type)
		assert.Equal(t, float64(100), n.Data["amount"])
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := DecodePayload(Type("nope"), []byte(`{}`))
		assert.ErrorIs(t, err, ErrUnknownType)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodePayload(TypeProcessContent, []byte(`{"contentId":1`))
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("rewards payload keeps rankings", func(t *testing.T) {
		in := ProcessBattleRewardsPayload{
			BattleID:         "b1",
			ParticipantCount: 2,
			Rankings: []RankedEntry{
				{Rank: 1, EntryID: "e2", UserID: "u2", Votes: 9},
				{Rank: 2, EntryID: "e1", UserID: "u1", Votes: 4},
			},
		}
		raw, err := json.Marshal(in)
		require.NoError(t, err)

		p, err := DecodePayload(TypeProcessBattleRewards, raw)
		require.NoError(t, err)
		out := p.(*ProcessBattleRewardsPayload)
		require.Len(t, out.Rankings, 2)
		assert.Equal(t, "u2", out.Rankings[0].UserID)
	})
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad config")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))

	err := fmt.Errorf("handler: %w", Permanent(base))
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "permanent error: bad config")
}

func TestJob_Clone(t *testing.T) {
	started := time.Now()
	j := &Job{ID: "a", Payload: []byte(`{"x":1}`), StartedAt: &started}

	c := j.Clone()
	c.Payload[0] = '['
	*c.StartedAt = started.Add(time.Hour)

	assert.Equal(t, byte('{'), j.Payload[0])
	assert.Equal(t, started, *j.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestResults(t *testing.T) {
	assert.Equal(t, Result{Outcome: OutcomeSkipped, Reason: "incorrect state"}, Skipped("incorrect state"))
	assert.Equal(t, OutcomeNoop, Noop(nil).Outcome)
	assert.Equal(t, OutcomeCompleted, Completed(map[string]any{"a": 1}).Outcome)
}

func TestContextID(t *testing.T) {
	assert.Equal(t, "", IDFromContext(context.Background()))
	ctx := ContextWithID(context.Background(), "job-1")
	assert.Equal(t, "job-1", IDFromContext(ctx))
}
