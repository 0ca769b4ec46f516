package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		rand    float64
		want    time.Duration
	}{
		{name: "first retry without jitter", attempt: 1, rand: 0, want: time.Second},
		{name: "second retry without jitter", attempt: 2, rand: 0, want: 2 * time.Second},
		{name: "third retry with half jitter", attempt: 3, rand: 0.5, want: 5 * time.Second},
		{name: "zero attempt treated as first", attempt: 0, rand: 0, want: time.Second},
		{name: "capped", attempt: 10, rand: 0.5, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(time.Second, time.Minute)
			b.rand = func() float64 { return tt.rand }
			assert.Equal(t, tt.want, b.Delay(tt.attempt))
		})
	}
}

func TestBackoff_StrictlyIncreasingUntilCap(t *testing.T) {
	worst := NewBackoff(100*time.Millisecond, time.Hour)
	worst.rand = func() float64 { return 0.9999 }
	best := NewBackoff(100*time.Millisecond, time.Hour)
	best.rand = func() float64 { return 0 }

	for attempt := 1; attempt < 12; attempt++ {
		// the largest delay of one attempt stays below the smallest of the next
		assert.Less(t, worst.Delay(attempt), best.Delay(attempt+1), "attempt %d", attempt)
	}
}

func TestBackoff_JitterClamped(t *testing.T) {
	b := &Backoff{Base: time.Second, Max: time.Hour, JitterFactor: 3, rand: func() float64 { return 0.9999 }}
	assert.Less(t, b.Delay(1), 2*time.Second)

	b.JitterFactor = -1
	assert.Equal(t, time.Second, b.Delay(1))
}
