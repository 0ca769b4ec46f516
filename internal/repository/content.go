package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/content"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/jmoiron/sqlx"
)

// ContentRepository is the SQL-backed content.Repository
type ContentRepository struct {
	db *sqlx.DB
}

var _ content.Repository = (*ContentRepository)(nil)

func NewContentRepository(db *sqlx.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// Create inserts a content item
func (r *ContentRepository) Create(ctx context.Context, c *content.Content) error {
	status := c.ProcessingStatus
	if status == "" {
		status = content.StatusPending
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO contents (id, user_id, media_type, body, media_url, processing_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), c.ID, c.UserID, string(c.MediaType), c.Body, c.MediaURL, string(status), c.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create content: %w", err)
	}
	return nil
}

func (r *ContentRepository) Get(ctx context.Context, id string) (*content.Content, error) {
	var row struct {
		ID               string         `db:"id"`
		UserID           string         `db:"user_id"`
		MediaType        string         `db:"media_type"`
		Body             string         `db:"body"`
		MediaURL         string         `db:"media_url"`
		ProcessingStatus string         `db:"processing_status"`
		Metadata         sql.NullString `db:"metadata"`
		UpdatedAt        int64          `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, user_id, media_type, body, media_url, processing_status, metadata, updated_at
		FROM contents WHERE id = ?
	`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("content %s: %w", id, job.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get content: %w", err)
	}

	c := &content.Content{
		ID:               row.ID,
		UserID:           row.UserID,
		MediaType:        content.MediaType(row.MediaType),
		Body:             row.Body,
		MediaURL:         row.MediaURL,
		ProcessingStatus: content.ProcessingStatus(row.ProcessingStatus),
		UpdatedAt:        fromNanos(row.UpdatedAt),
	}
	if row.Metadata.Valid {
		if err := json.Unmarshal([]byte(row.Metadata.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode content metadata: %w", err)
		}
	}
	return c, nil
}

func (r *ContentRepository) MarkCompleted(ctx context.Context, id string, metadata map[string]any, now time.Time) (bool, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode content metadata: %w", err)
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE contents
		SET processing_status = 'completed', metadata = ?, updated_at = ?
		WHERE id = ? AND processing_status = 'pending'
	`), string(raw), now.UnixNano(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark content completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
