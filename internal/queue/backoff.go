package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays as Base*2^(attempt-1) plus jitter drawn
// from [0, JitterFactor*step). JitterFactor is clamped to 0.5 so each
// delay stays strictly below the next step until Max is reached.
type Backoff struct {
	Base         time.Duration
	Max          time.Duration
	JitterFactor float64

	// rand returns a value in [0, 1); nil means math/rand
	rand func() float64
}

// NewBackoff creates an exponential strategy with the default jitter
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	return &Backoff{Base: base, Max: maxDelay, JitterFactor: 0.5}
}

// Delay returns the wait before retry number attempt (1-indexed)
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	step := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && step >= float64(b.Max) {
		return b.Max
	}

	jitter := b.JitterFactor
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 0.5 {
		jitter = 0.5
	}

	r := rand.Float64
	if b.rand != nil {
		r = b.rand
	}

	d := time.Duration(step + step*jitter*r())
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
