package queue

import (
	"context"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

// Cursor marks the last job of a listed page
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Filter narrows List. Results are ordered newest first.
type Filter struct {
	Type     job.Type
	Status   job.Status
	PageSize int
	Cursor   *Cursor
}

// Store persists job records. Every mutation is conditional on the
// current status so concurrent workers cannot both win.
type Store interface {
	// Insert stores j unless an active job already holds its idempotency
	// key, in which case that job is returned with created=false.
	Insert(ctx context.Context, j *job.Job) (stored *job.Job, created bool, err error)

	// Claim marks the best eligible pending job as running for workerID
	// with a lease ending at leaseUntil. It returns nil when nothing is
	// eligible at now.
	Claim(ctx context.Context, workerID string, now, leaseUntil time.Time) (*job.Job, error)

	// Complete moves a running job to completed
	Complete(ctx context.Context, id string, result []byte, now time.Time) error

	// Retry returns a running job to pending with a new schedule
	Retry(ctx context.Context, id string, attempts int, lastErr string, runAt, now time.Time) error

	// Bury moves a running job to a terminal failure status
	Bury(ctx context.Context, id string, status job.Status, attempts int, lastErr string, now time.Time) error

	// ReleaseExpired charges one attempt to every running job whose lease
	// ended at or before now. Jobs with attempts left go back to pending
	// (retried), the others to dead_lettered (buried).
	ReleaseExpired(ctx context.Context, now time.Time, lastErr string) (retried, buried []*job.Job, err error)

	// Cancel moves a pending job to failed
	Cancel(ctx context.Context, id string, lastErr string, now time.Time) error

	// Requeue resets a dead-lettered job to pending with zero attempts
	Requeue(ctx context.Context, id string, now time.Time) error

	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, filter Filter) ([]*job.Job, error)
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}
