package storage

// Schema creates the jobs table. Times are unix nanoseconds so the same
// statements run on postgres and sqlite.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		payload         TEXT NOT NULL,
		priority        INTEGER NOT NULL DEFAULT 0,
		attempts        INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL,
		status          TEXT NOT NULL,
		idempotency_key TEXT,
		last_error      TEXT NOT NULL DEFAULT '',
		result          TEXT,
		worker_id       TEXT NOT NULL DEFAULT '',
		scheduled_at    BIGINT NOT NULL,
		started_at      BIGINT,
		lease_until     BIGINT,
		completed_at    BIGINT,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs (status, scheduled_at, priority DESC, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs (status, lease_until)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_key ON jobs (idempotency_key)
		WHERE status IN ('pending', 'running')`,
}
