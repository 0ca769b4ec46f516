package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/jmoiron/sqlx"
)

const battleColumns = `id, status, start_time, end_time, voting_end_time,
	participant_count, entry_count, rewards_issued_at, updated_at`

// BattleRepository is the SQL-backed battle.Repository
type BattleRepository struct {
	db *sqlx.DB
}

var _ battle.Repository = (*BattleRepository)(nil)

func NewBattleRepository(db *sqlx.DB) *BattleRepository {
	return &BattleRepository{db: db}
}

type battleRow struct {
	ID               string        `db:"id"`
	Status           string        `db:"status"`
	StartTime        int64         `db:"start_time"`
	EndTime          int64         `db:"end_time"`
	VotingEndTime    int64         `db:"voting_end_time"`
	ParticipantCount int           `db:"participant_count"`
	EntryCount       int           `db:"entry_count"`
	RewardsIssuedAt  sql.NullInt64 `db:"rewards_issued_at"`
	UpdatedAt        int64         `db:"updated_at"`
}

func (r *battleRow) toBattle() *battle.Battle {
	b := &battle.Battle{
		ID:               r.ID,
		Status:           battle.Status(r.Status),
		StartTime:        fromNanos(r.StartTime),
		EndTime:          fromNanos(r.EndTime),
		VotingEndTime:    fromNanos(r.VotingEndTime),
		ParticipantCount: r.ParticipantCount,
		EntryCount:       r.EntryCount,
		UpdatedAt:        fromNanos(r.UpdatedAt),
	}
	if r.RewardsIssuedAt.Valid {
		t := fromNanos(r.RewardsIssuedAt.Int64)
		b.RewardsIssuedAt = &t
	}
	return b
}

// Create inserts a battle
func (r *BattleRepository) Create(ctx context.Context, b *battle.Battle) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO battles (`+battleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`),
		b.ID,
		string(b.Status),
		b.StartTime.UnixNano(),
		b.EndTime.UnixNano(),
		b.VotingEndTime.UnixNano(),
		b.ParticipantCount,
		b.EntryCount,
		b.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create battle: %w", err)
	}
	return nil
}

// AddEntry inserts an entry and bumps the battle counters
func (r *BattleRepository) AddEntry(ctx context.Context, e battle.Entry) error {
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var existing int
		err := tx.GetContext(ctx, &existing, tx.Rebind(`
			SELECT COUNT(*) FROM battle_entries WHERE battle_id = ? AND user_id = ?
		`), e.BattleID, e.UserID)
		if err != nil {
			return fmt.Errorf("failed to check entries: %w", err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO battle_entries (id, battle_id, user_id, votes, submitted_at)
			VALUES (?, ?, ?, ?, ?)
		`), e.ID, e.BattleID, e.UserID, e.Votes, e.SubmittedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}

		participants := 0
		if existing == 0 {
			participants = 1
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE battles
			SET entry_count = entry_count + 1,
			    participant_count = participant_count + ?
			WHERE id = ?
		`), participants, e.BattleID)
		if err != nil {
			return fmt.Errorf("failed to update battle counters: %w", err)
		}
		return nil
	})
}

func (r *BattleRepository) Get(ctx context.Context, id string) (*battle.Battle, error) {
	var row battleRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+battleColumns+` FROM battles WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("battle %s: %w", id, job.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get battle: %w", err)
	}
	return row.toBattle(), nil
}

func (r *BattleRepository) TransitionStatus(ctx context.Context, id string, from, to battle.Status, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE battles SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), string(to), now.UnixNano(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition battle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *BattleRepository) ListEntries(ctx context.Context, battleID string) ([]battle.Entry, error) {
	var rows []struct {
		ID          string `db:"id"`
		BattleID    string `db:"battle_id"`
		UserID      string `db:"user_id"`
		Votes       int    `db:"votes"`
		SubmittedAt int64  `db:"submitted_at"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, battle_id, user_id, votes, submitted_at
		FROM battle_entries WHERE battle_id = ?
		ORDER BY submitted_at, id
	`), battleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	entries := make([]battle.Entry, len(rows))
	for i, row := range rows {
		entries[i] = battle.Entry{
			ID:          row.ID,
			BattleID:    row.BattleID,
			UserID:      row.UserID,
			Votes:       row.Votes,
			SubmittedAt: fromNanos(row.SubmittedAt),
		}
	}
	return entries, nil
}

func (r *BattleRepository) GetResults(ctx context.Context, battleID string) (*battle.Results, error) {
	var row struct {
		BattleID         string        `db:"battle_id"`
		ParticipantCount int           `db:"participant_count"`
		Rankings         string        `db:"rankings"`
		CalculatedAt     int64         `db:"calculated_at"`
		NotifiedAt       sql.NullInt64 `db:"notified_at"`
	}
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT battle_id, participant_count, rankings, calculated_at, notified_at
		FROM battle_results WHERE battle_id = ?
	`), battleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("results for battle %s: %w", battleID, job.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get results: %w", err)
	}

	results := &battle.Results{
		BattleID:         row.BattleID,
		ParticipantCount: row.ParticipantCount,
		CalculatedAt:     fromNanos(row.CalculatedAt),
	}
	if row.NotifiedAt.Valid {
		t := fromNanos(row.NotifiedAt.Int64)
		results.NotifiedAt = &t
	}
	if err := json.Unmarshal([]byte(row.Rankings), &results.Rankings); err != nil {
		return nil, fmt.Errorf("failed to decode rankings: %w", err)
	}
	return results, nil
}

func (r *BattleRepository) SaveResults(ctx context.Context, results *battle.Results) (bool, error) {
	rankings, err := json.Marshal(results.Rankings)
	if err != nil {
		return false, fmt.Errorf("failed to encode rankings: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO battle_results (battle_id, participant_count, rankings, calculated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (battle_id) DO NOTHING
	`), results.BattleID, results.ParticipantCount, string(rankings), results.CalculatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to save results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *BattleRepository) MarkResultsNotified(ctx context.Context, battleID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE battle_results SET notified_at = ?
		WHERE battle_id = ? AND notified_at IS NULL
	`), now.UnixNano(), battleID)
	if err != nil {
		return false, fmt.Errorf("failed to mark results notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *BattleRepository) MarkRewardsIssued(ctx context.Context, battleID string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE battles SET rewards_issued_at = ?, updated_at = ?
		WHERE id = ? AND rewards_issued_at IS NULL
	`), now.UnixNano(), now.UnixNano(), battleID)
	if err != nil {
		return false, fmt.Errorf("failed to mark rewards issued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *BattleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*battle.Battle, error) {
	if limit <= 0 {
		limit = 100
	}
	nanos := now.UnixNano()

	var rows []battleRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT `+battleColumns+` FROM battles
		WHERE (status = 'scheduled' AND start_time <= ?)
		   OR (status = 'open' AND end_time <= ?)
		   OR (status = 'voting' AND voting_end_time <= ?)
		ORDER BY updated_at, id
		LIMIT ?
	`), nanos, nanos, nanos, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due battles: %w", err)
	}

	battles := make([]*battle.Battle, len(rows))
	for i := range rows {
		battles[i] = rows[i].toBattle()
	}
	return battles, nil
}
