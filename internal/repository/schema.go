package repository

// Schema creates the domain tables the handlers read and mutate. Times
// are unix nanoseconds, matching the jobs table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS battles (
		id                TEXT PRIMARY KEY,
		status            TEXT NOT NULL,
		start_time        BIGINT NOT NULL,
		end_time          BIGINT NOT NULL,
		voting_end_time   BIGINT NOT NULL,
		participant_count INTEGER NOT NULL DEFAULT 0,
		entry_count       INTEGER NOT NULL DEFAULT 0,
		rewards_issued_at BIGINT,
		updated_at        BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_battles_status ON battles (status)`,
	`CREATE TABLE IF NOT EXISTS battle_entries (
		id           TEXT PRIMARY KEY,
		battle_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		votes        INTEGER NOT NULL DEFAULT 0,
		submitted_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_battle_entries_battle ON battle_entries (battle_id)`,
	`CREATE TABLE IF NOT EXISTS battle_results (
		battle_id         TEXT PRIMARY KEY,
		participant_count INTEGER NOT NULL,
		rankings          TEXT NOT NULL,
		calculated_at     BIGINT NOT NULL,
		notified_at       BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS contents (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		media_type        TEXT NOT NULL,
		body              TEXT NOT NULL DEFAULT '',
		media_url         TEXT NOT NULL DEFAULT '',
		processing_status TEXT NOT NULL DEFAULT 'pending',
		metadata          TEXT,
		updated_at        BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL DEFAULT '',
		token_amount   DOUBLE PRECISION NOT NULL DEFAULT 0,
		tier           TEXT NOT NULL DEFAULT '',
		updated_at     BIGINT NOT NULL
	)`,
}
