package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultMaxAttempts = 3
	DefaultLease       = 10 * time.Minute
)

// leaseExpired is recorded as the last error of jobs taken back from a
// worker that stopped reporting
const leaseExpired = "lease expired before the job finished"

// Signaler announces that a job became ready. Hints are best effort;
// workers fall back to polling.
type Signaler interface {
	Signal(ctx context.Context, j *job.Job) error
}

// Alerter is told about every job that reaches dead_lettered
type Alerter interface {
	Alert(ctx context.Context, j *job.Job, cause error) error
}

// Config holds queue service dependencies
type Config struct {
	Store              Store
	Logger             *slog.Logger
	Metrics            metrics.Recorder
	Signaler           Signaler
	Alerter            Alerter
	Backoff            *Backoff
	DefaultMaxAttempts int
	Lease              time.Duration // how long a claim holds before ReapExpired takes it back
	Now                func() time.Time
}

// Service is the durable job queue shared by producers and workers
type Service struct {
	store       Store
	logger      *slog.Logger
	metrics     metrics.Recorder
	signaler    Signaler
	alerter     Alerter
	backoff     *Backoff
	maxAttempts int
	lease       time.Duration
	now         func() time.Time
}

// Stats counts jobs per status
type Stats struct {
	Pending      int `json:"pending"`
	Running      int `json:"running"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Total        int `json:"total"`
}

// NewService creates a queue service
func NewService(cfg *Config) *Service {
	s := &Service{
		store:       cfg.Store,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		signaler:    cfg.Signaler,
		alerter:     cfg.Alerter,
		backoff:     cfg.Backoff,
		maxAttempts: cfg.DefaultMaxAttempts,
		lease:       cfg.Lease,
		now:         cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.backoff == nil {
		s.backoff = NewBackoff(time.Second, 5*time.Minute)
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.lease <= 0 {
		s.lease = DefaultLease
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Enqueue persists a job for payload. The job type follows from the
// payload variant. It returns the id of the stored job, or of the active
// job that already holds the idempotency key.
func (s *Service) Enqueue(ctx context.Context, payload job.Payload, opts ...job.Option) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return s.enqueue(ctx, payload.JobType(), raw, opts...)
}

// EnqueueRaw validates raw against the payload variant of t before
// enqueueing. It serves callers that only hold JSON.
func (s *Service) EnqueueRaw(ctx context.Context, t job.Type, raw json.RawMessage, opts ...job.Option) (string, error) {
	payload, err := job.DecodePayload(t, raw)
	if err != nil {
		return "", err
	}
	return s.Enqueue(ctx, payload, opts...)
}

func (s *Service) enqueue(ctx context.Context, t job.Type, raw []byte, opts ...job.Option) (string, error) {
	o := job.ApplyOptions(opts...)
	now := s.now().UTC()

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}

	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	j := &job.Job{
		ID:             id.String(),
		Type:           t,
		Payload:        raw,
		Priority:       o.Priority,
		MaxAttempts:    maxAttempts,
		Status:         job.StatusPending,
		IdempotencyKey: o.IdempotencyKey,
		ScheduledAt:    o.ScheduledAt(now).UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := s.store.Insert(ctx, j)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", t, err)
	}

	if !created {
		s.logger.Debug("Enqueue collapsed onto active job",
			slog.String("job_id", stored.ID),
			slog.String("job_type", string(t)),
			slog.String("idempotency_key", o.IdempotencyKey),
		)
		s.metrics.Increment("jobs.deduplicated", metrics.Tags{"type": string(t)})
		return stored.ID, nil
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", stored.ID),
		slog.String("job_type", string(t)),
		slog.String("priority", stored.Priority.String()),
		slog.Time("scheduled_at", stored.ScheduledAt),
	)
	s.metrics.Increment("jobs.enqueued", metrics.Tags{"type": string(t)})

	s.signal(ctx, stored)

	return stored.ID, nil
}

// signal sends a best-effort job-ready hint
func (s *Service) signal(ctx context.Context, j *job.Job) {
	if s.signaler == nil {
		return
	}
	if err := s.signaler.Signal(ctx, j); err != nil {
		s.logger.Warn("Failed to signal job ready",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Dequeue claims the next eligible job for workerID. It returns nil
// when nothing is eligible.
func (s *Service) Dequeue(ctx context.Context, workerID string) (*job.Job, error) {
	now := s.now().UTC()
	j, err := s.store.Claim(ctx, workerID, now, now.Add(s.lease))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, nil
}

// Complete records a successful run
func (s *Service) Complete(ctx context.Context, id string, result job.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := s.store.Complete(ctx, id, raw, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed run. The job is rescheduled with backoff while
// attempts remain, otherwise it is dead-lettered. The returned status is
// the one the job ended up in.
func (s *Service) Fail(ctx context.Context, id string, cause error) (job.Status, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if j.Status != job.StatusRunning {
		return j.Status, fmt.Errorf("failed to fail job %s: %w", id, job.ErrJobNotRunning)
	}

	attempts := j.Attempts + 1
	if attempts >= j.MaxAttempts {
		return s.bury(ctx, j, attempts, cause)
	}

	now := s.now().UTC()
	delay := s.backoff.Delay(attempts)
	runAt := now.Add(delay)

	if err := s.store.Retry(ctx, id, attempts, errString(cause), runAt, now); err != nil {
		return "", fmt.Errorf("failed to reschedule job %s: %w", id, err)
	}

	s.logger.Warn("Job failed, retry scheduled",
		slog.String("job_id", id),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("retry_after", delay),
		slog.String("error", errString(cause)),
	)
	s.metrics.Increment("jobs.retried", metrics.Tags{"type": string(j.Type)})

	return job.StatusPending, nil
}

// DeadLetter terminates a running job without further retries
func (s *Service) DeadLetter(ctx context.Context, id string, cause error) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if j.Status != job.StatusRunning {
		return fmt.Errorf("failed to dead-letter job %s: %w", id, job.ErrJobNotRunning)
	}
	_, err = s.bury(ctx, j, j.Attempts+1, cause)
	return err
}

func (s *Service) bury(ctx context.Context, j *job.Job, attempts int, cause error) (job.Status, error) {
	if err := s.store.Bury(ctx, j.ID, job.StatusDeadLettered, attempts, errString(cause), s.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to dead-letter job %s: %w", j.ID, err)
	}

	s.logger.Error("Job dead-lettered",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempts", attempts),
		slog.String("error", errString(cause)),
	)
	s.metrics.Increment("jobs.dead_lettered", metrics.Tags{"type": string(j.Type)})

	dead := j.Clone()
	dead.Status = job.StatusDeadLettered
	dead.Attempts = attempts
	dead.LastError = errString(cause)
	s.alert(ctx, dead, cause)

	return job.StatusDeadLettered, nil
}

func (s *Service) alert(ctx context.Context, dead *job.Job, cause error) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Alert(ctx, dead, cause); err != nil {
		s.logger.Warn("Failed to raise dead-letter alert",
			slog.String("job_id", dead.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ReapExpired takes back jobs whose claim outlived its lease, which
// happens when a worker dies or loses the database mid-job. Each one is
// charged an attempt and then retried or dead-lettered like any failure.
// It returns how many jobs were taken back.
func (s *Service) ReapExpired(ctx context.Context) (int, error) {
	retried, buried, err := s.store.ReleaseExpired(ctx, s.now().UTC(), leaseExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired jobs: %w", err)
	}

	for _, j := range retried {
		s.logger.Warn("Job lease expired, retry scheduled",
			slog.String("job_id", j.ID),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempts", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
		)
		tags := metrics.Tags{"type": string(j.Type)}
		s.metrics.Increment("jobs.lease_expired", tags)
		s.metrics.Increment("jobs.retried", tags)
		s.signal(ctx, j)
	}

	for _, j := range buried {
		s.logger.Error("Job lease expired, attempts exhausted",
			slog.String("job_id", j.ID),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempts", j.Attempts),
		)
		tags := metrics.Tags{"type": string(j.Type)}
		s.metrics.Increment("jobs.lease_expired", tags)
		s.metrics.Increment("jobs.dead_lettered", tags)
		s.alert(ctx, j, errors.New(leaseExpired))
	}

	return len(retried) + len(buried), nil
}

// Cancel marks a pending job failed so no worker picks it up. Running
// jobs cannot be canceled.
func (s *Service) Cancel(ctx context.Context, id string, reason string) error {
	lastErr := "canceled by operator"
	if reason != "" {
		lastErr += ": " + reason
	}
	if err := s.store.Cancel(ctx, id, lastErr, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}

	s.logger.Info("Job canceled", slog.String("job_id", id), slog.String("reason", reason))
	s.metrics.Increment("jobs.canceled", nil)
	return nil
}

// Get loads a job by id
func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of jobs plus the cursor of the next page, empty
// when there are no more.
func (s *Service) List(ctx context.Context, filter Filter) ([]*job.Job, *Cursor, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}

	want := filter.PageSize
	filter.PageSize++ // one extra row tells whether another page exists

	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) <= want {
		return jobs, nil, nil
	}

	jobs = jobs[:want]
	last := jobs[len(jobs)-1]
	return jobs, &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

// Requeue gives a dead-lettered job a fresh attempt budget
func (s *Service) Requeue(ctx context.Context, id string) error {
	if err := s.store.Requeue(ctx, id, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}

	s.logger.Info("Job requeued", slog.String("job_id", id))
	s.metrics.Increment("jobs.requeued", nil)

	if s.signaler != nil {
		if j, err := s.store.Get(ctx, id); err == nil {
			s.signal(ctx, j)
		}
	}
	return nil
}

// Stats counts jobs per status
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	st := Stats{
		Pending:      counts[job.StatusPending],
		Running:      counts[job.StatusRunning],
		Completed:    counts[job.StatusCompleted],
		Failed:       counts[job.StatusFailed],
		DeadLettered: counts[job.StatusDeadLettered],
	}
	st.Total = st.Pending + st.Running + st.Completed + st.Failed + st.DeadLettered
	return st, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var perm *job.PermanentError
	if errors.As(err, &perm) {
		return perm.Err.Error()
	}
	return err.Error()
}
