package job

import "time"

// Options carries per-enqueue scheduling metadata
type Options struct {
	Priority       Priority
	Delay          time.Duration
	RunAt          time.Time
	MaxAttempts    int
	IdempotencyKey string
}

// Option configures an enqueue call
type Option func(*Options)

// WithPriority sets the dequeue priority
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithDelay makes the job eligible only after d has elapsed
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithRunAt makes the job eligible at t. It wins over WithDelay.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithMaxAttempts overrides the queue-wide attempt budget
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithIdempotencyKey collapses duplicate enqueues while a job with the
// same key is still pending or running.
func WithIdempotencyKey(key string) Option {
	return func(o *Options) { o.IdempotencyKey = key }
}

// ApplyOptions folds opts over the zero Options
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ScheduledAt resolves the eligibility time relative to now
func (o Options) ScheduledAt(now time.Time) time.Time {
	if !o.RunAt.IsZero() {
		return o.RunAt
	}
	if o.Delay > 0 {
		return now.Add(o.Delay)
	}
	return now
}
