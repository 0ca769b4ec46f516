package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, type, payload, priority, attempts, max_attempts, status,
	idempotency_key, last_error, result, worker_id,
	scheduled_at, started_at, lease_until, completed_at, created_at, updated_at`

// Storage is the SQL-backed queue.Store
type Storage struct {
	db      *sqlx.DB
	dialect database.Dialect
	logger  *slog.Logger
}

var _ queue.Store = (*Storage)(nil)

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:      db,
		dialect: database.DialectOf(db.DriverName()),
		logger:  logger,
	}
}

// Migrate creates the jobs table and its indexes
func (s *Storage) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, s.db, Schema...)
}

type jobRow struct {
	ID             string         `db:"id"`
	Type           string         `db:"type"`
	Payload        string         `db:"payload"`
	Priority       int            `db:"priority"`
	Attempts       int            `db:"attempts"`
	MaxAttempts    int            `db:"max_attempts"`
	Status         string         `db:"status"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	LastError      string         `db:"last_error"`
	Result         sql.NullString `db:"result"`
	WorkerID       string         `db:"worker_id"`
	ScheduledAt    int64          `db:"scheduled_at"`
	StartedAt      sql.NullInt64  `db:"started_at"`
	LeaseUntil     sql.NullInt64  `db:"lease_until"`
	CompletedAt    sql.NullInt64  `db:"completed_at"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (r *jobRow) toJob() *job.Job {
	j := &job.Job{
		ID:             r.ID,
		Type:           job.Type(r.Type),
		Payload:        []byte(r.Payload),
		Priority:       job.Priority(r.Priority),
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		Status:         job.Status(r.Status),
		IdempotencyKey: r.IdempotencyKey.String,
		LastError:      r.LastError,
		WorkerID:       r.WorkerID,
		ScheduledAt:    fromNanos(r.ScheduledAt),
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if r.Result.Valid {
		j.Result = []byte(r.Result.String)
	}
	if r.StartedAt.Valid {
		t := fromNanos(r.StartedAt.Int64)
		j.StartedAt = &t
	}
	if r.LeaseUntil.Valid {
		t := fromNanos(r.LeaseUntil.Int64)
		j.LeaseUntil = &t
	}
	if r.CompletedAt.Valid {
		t := fromNanos(r.CompletedAt.Int64)
		j.CompletedAt = &t
	}
	return j
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullKey(key string) sql.NullString {
	return sql.NullString{String: key, Valid: key != ""}
}

// Insert stores a job. An active job holding the same idempotency key
// wins and is returned instead.
func (s *Storage) Insert(ctx context.Context, j *job.Job) (*job.Job, bool, error) {
	query := s.db.Rebind(`
		INSERT INTO jobs (
			id, type, payload, priority, attempts, max_attempts, status,
			idempotency_key, last_error, worker_id,
			scheduled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)
		ON CONFLICT (idempotency_key) WHERE status IN ('pending', 'running') DO NOTHING
	`)

	// the holder of the key can finish between the insert and the lookup
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.db.ExecContext(ctx, query,
			j.ID,
			string(j.Type),
			string(j.Payload),
			int(j.Priority),
			j.Attempts,
			j.MaxAttempts,
			string(j.Status),
			nullKey(j.IdempotencyKey),
			j.ScheduledAt.UnixNano(),
			j.CreatedAt.UnixNano(),
			j.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert job: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if inserted == 1 {
			return j.Clone(), true, nil
		}

		existing, err := s.activeByKey(ctx, s.db, j.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, job.ErrJobNotFound) {
			return nil, false, err
		}
	}

	return nil, false, fmt.Errorf("failed to insert job: idempotency key %q kept changing hands", j.IdempotencyKey)
}

func (s *Storage) activeByKey(ctx context.Context, q sqlx.QueryerContext, key string) (*job.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE idempotency_key = ? AND status IN ('pending', 'running')`)

	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get active job by key: %w", err)
	}
	return row.toJob(), nil
}

// Claim atomically moves the best eligible pending job to running and
// leases it to workerID until leaseUntil
func (s *Storage) Claim(ctx context.Context, workerID string, now, leaseUntil time.Time) (*job.Job, error) {
	lock := ""
	if s.dialect == database.DialectPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET status = 'running',
		    worker_id = ?,
		    started_at = ?,
		    lease_until = ?,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND scheduled_at <= ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			` + lock + `
		)
		  AND status = 'pending'
		RETURNING ` + jobColumns)

	nanos := now.UnixNano()

	var row jobRow
	err := s.db.GetContext(ctx, &row, query, workerID, nanos, leaseUntil.UnixNano(), nanos, nanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Debug("Job claimed",
		slog.String("job_id", row.ID),
		slog.String("worker_id", workerID),
		slog.String("job_type", row.Type),
	)

	return row.toJob(), nil
}

// Complete moves a running job to completed
func (s *Storage) Complete(ctx context.Context, id string, result []byte, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = 'completed',
		    result = ?,
		    lease_until = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`)

	nanos := now.UnixNano()
	res, err := s.db.ExecContext(ctx, query, string(result), nanos, nanos, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// Retry puts a running job back to pending for a later attempt
func (s *Storage) Retry(ctx context.Context, id string, attempts int, lastErr string, runAt, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = 'pending',
		    attempts = ?,
		    last_error = ?,
		    scheduled_at = ?,
		    worker_id = '',
		    lease_until = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`)

	res, err := s.db.ExecContext(ctx, query, attempts, lastErr, runAt.UnixNano(), now.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// Bury moves a running job to a terminal failure status
func (s *Storage) Bury(ctx context.Context, id string, status job.Status, attempts int, lastErr string, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
		    attempts = ?,
		    last_error = ?,
		    lease_until = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'running'
	`)

	nanos := now.UnixNano()
	res, err := s.db.ExecContext(ctx, query, string(status), attempts, lastErr, nanos, nanos, id)
	if err != nil {
		return fmt.Errorf("failed to bury job: %w", err)
	}
	return s.expectOne(ctx, res, id)
}

// Requeue resets a dead-lettered job so it runs again
func (s *Storage) Requeue(ctx context.Context, id string, now time.Time) error {
	return database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var row jobRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return job.ErrJobNotFound
			}
			return fmt.Errorf("failed to get job: %w", err)
		}
		if job.Status(row.Status) != job.StatusDeadLettered {
			return job.ErrJobNotDeadLettered
		}

		if row.IdempotencyKey.Valid {
			if _, err := s.activeByKey(ctx, tx, row.IdempotencyKey.String); err == nil {
				return job.ErrActiveDuplicate
			} else if !errors.Is(err, job.ErrJobNotFound) {
				return err
			}
		}

		nanos := now.UnixNano()
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE jobs
			SET status = 'pending',
			    attempts = 0,
			    scheduled_at = ?,
			    worker_id = '',
			    started_at = NULL,
			    lease_until = NULL,
			    completed_at = NULL,
			    updated_at = ?
			WHERE id = ? AND status = 'dead_lettered'
		`), nanos, nanos, id)
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		return nil
	})
}

// ReleaseExpired takes back running jobs whose lease ended at or before
// now. Each counts as a failed attempt: jobs with attempts left return
// to pending at now, the rest are dead-lettered.
func (s *Storage) ReleaseExpired(ctx context.Context, now time.Time, lastErr string) ([]*job.Job, []*job.Job, error) {
	var retried, buried []jobRow
	nanos := now.UnixNano()

	err := database.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &buried, tx.Rebind(`
			UPDATE jobs
			SET status = 'dead_lettered',
			    attempts = attempts + 1,
			    last_error = ?,
			    lease_until = NULL,
			    completed_at = ?,
			    updated_at = ?
			WHERE status = 'running'
			  AND lease_until IS NOT NULL AND lease_until <= ?
			  AND attempts + 1 >= max_attempts
			RETURNING `+jobColumns), lastErr, nanos, nanos, nanos)
		if err != nil {
			return fmt.Errorf("failed to dead-letter expired jobs: %w", err)
		}

		err = tx.SelectContext(ctx, &retried, tx.Rebind(`
			UPDATE jobs
			SET status = 'pending',
			    attempts = attempts + 1,
			    last_error = ?,
			    scheduled_at = ?,
			    worker_id = '',
			    lease_until = NULL,
			    updated_at = ?
			WHERE status = 'running'
			  AND lease_until IS NOT NULL AND lease_until <= ?
			RETURNING `+jobColumns), lastErr, nanos, nanos, nanos)
		if err != nil {
			return fmt.Errorf("failed to release expired jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return toJobs(retried), toJobs(buried), nil
}

// Cancel moves a pending job to failed so it never runs
func (s *Storage) Cancel(ctx context.Context, id string, lastErr string, now time.Time) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET status = 'failed',
		    last_error = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'pending'
	`)

	nanos := now.UnixNano()
	res, err := s.db.ExecContext(ctx, query, lastErr, nanos, nanos, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return job.ErrJobNotPending
}

// Get retrieves a job from the database by its ID
func (s *Storage) Get(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

// List returns jobs newest first, starting after the cursor
func (s *Storage) List(ctx context.Context, filter queue.Filter) ([]*job.Job, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if c := filter.Cursor; c != nil {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		nanos := c.CreatedAt.UnixNano()
		args = append(args, nanos, nanos, c.ID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.PageSize > 0 {
		query += " LIMIT ?"
		args = append(args, filter.PageSize)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return toJobs(rows), nil
}

func toJobs(rows []jobRow) []*job.Job {
	jobs := make([]*job.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs
}

// CountByStatus returns the number of jobs in each status
func (s *Storage) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[job.Status]int, len(rows))
	for _, r := range rows {
		counts[job.Status(r.Status)] = r.Count
	}
	return counts, nil
}

// expectOne turns a zero-row conditional update into the matching error
func (s *Storage) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	s.logger.Warn("Conditional update matched no running job",
		slog.String("job_id", id),
	)
	return job.ErrJobNotRunning
}
