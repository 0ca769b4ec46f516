package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
)

// Store is an in-process queue.Store. A single mutex makes every
// operation atomic.
type Store struct {
	mu        sync.Mutex
	jobs      map[string]*job.Job
	activeKey map[string]string // idempotency key -> id of the active job
}

var _ queue.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		activeKey: make(map[string]string),
	}
}

func (s *Store) Insert(_ context.Context, j *job.Job) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.IdempotencyKey != "" {
		if id, ok := s.activeKey[j.IdempotencyKey]; ok {
			return s.jobs[id].Clone(), false, nil
		}
		s.activeKey[j.IdempotencyKey] = j.ID
	}

	s.jobs[j.ID] = j.Clone()
	return j.Clone(), true, nil
}

func (s *Store) Claim(_ context.Context, workerID string, now, leaseUntil time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	started, lease := now, leaseUntil
	best.Status = job.StatusRunning
	best.WorkerID = workerID
	best.StartedAt = &started
	best.LeaseUntil = &lease
	best.UpdatedAt = now
	return best.Clone(), nil
}

// before orders by priority DESC, then created_at, then id
func before(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) Complete(_ context.Context, id string, result []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id)
	if err != nil {
		return err
	}

	completed := now
	j.Status = job.StatusCompleted
	j.Result = append([]byte(nil), result...)
	j.LeaseUntil = nil
	j.CompletedAt = &completed
	j.UpdatedAt = now
	s.releaseKey(j)
	return nil
}

func (s *Store) Retry(_ context.Context, id string, attempts int, lastErr string, runAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id)
	if err != nil {
		return err
	}

	j.Status = job.StatusPending
	j.Attempts = attempts
	j.LastError = lastErr
	j.ScheduledAt = runAt
	j.WorkerID = ""
	j.LeaseUntil = nil
	j.UpdatedAt = now
	return nil
}

func (s *Store) Bury(_ context.Context, id string, status job.Status, attempts int, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.running(id)
	if err != nil {
		return err
	}

	completed := now
	j.Status = status
	j.Attempts = attempts
	j.LastError = lastErr
	j.LeaseUntil = nil
	j.CompletedAt = &completed
	j.UpdatedAt = now
	s.releaseKey(j)
	return nil
}

func (s *Store) ReleaseExpired(_ context.Context, now time.Time, lastErr string) ([]*job.Job, []*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retried, buried []*job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusRunning || j.LeaseUntil == nil || j.LeaseUntil.After(now) {
			continue
		}

		j.Attempts++
		j.LastError = lastErr
		j.LeaseUntil = nil
		j.UpdatedAt = now
		if j.Attempts >= j.MaxAttempts {
			completed := now
			j.Status = job.StatusDeadLettered
			j.CompletedAt = &completed
			s.releaseKey(j)
			buried = append(buried, j.Clone())
			continue
		}
		j.Status = job.StatusPending
		j.ScheduledAt = now
		j.WorkerID = ""
		retried = append(retried, j.Clone())
	}
	return retried, buried, nil
}

func (s *Store) Cancel(_ context.Context, id string, lastErr string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusPending {
		return job.ErrJobNotPending
	}

	completed := now
	j.Status = job.StatusFailed
	j.LastError = lastErr
	j.CompletedAt = &completed
	j.UpdatedAt = now
	s.releaseKey(j)
	return nil
}

func (s *Store) Requeue(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusDeadLettered {
		return job.ErrJobNotDeadLettered
	}
	if j.IdempotencyKey != "" {
		if _, taken := s.activeKey[j.IdempotencyKey]; taken {
			return job.ErrActiveDuplicate
		}
		s.activeKey[j.IdempotencyKey] = j.ID
	}

	j.Status = job.StatusPending
	j.Attempts = 0
	j.ScheduledAt = now
	j.WorkerID = ""
	j.StartedAt = nil
	j.LeaseUntil = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *Store) List(_ context.Context, filter queue.Filter) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*job.Job, 0)
	for _, j := range s.jobs {
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil && !olderThan(j, c) {
			continue
		}
		out = append(out, j.Clone())
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize {
		out = out[:filter.PageSize]
	}
	return out, nil
}

func olderThan(j *job.Job, c *queue.Cursor) bool {
	if j.CreatedAt.Equal(c.CreatedAt) {
		return j.ID < c.ID
	}
	return j.CreatedAt.Before(c.CreatedAt)
}

func (s *Store) CountByStatus(_ context.Context) (map[job.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[job.Status]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *Store) running(id string) (*job.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	if j.Status != job.StatusRunning {
		return nil, job.ErrJobNotRunning
	}
	return j, nil
}

func (s *Store) releaseKey(j *job.Job) {
	if j.IdempotencyKey == "" {
		return
	}
	if s.activeKey[j.IdempotencyKey] == j.ID {
		delete(s.activeKey, j.IdempotencyKey)
	}
}
