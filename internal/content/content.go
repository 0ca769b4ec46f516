package content

import (
	"context"
	"time"
)

// MediaType selects the processing routine for a content item
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaText  MediaType = "text"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// ProcessingStatus tracks post-processing of a content item
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusCompleted ProcessingStatus = "completed"
)

// Content is a user submission awaiting post-processing
type Content struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	MediaType        MediaType        `json:"mediaType"`
	Body             string           `json:"body,omitempty"`
	MediaURL         string           `json:"mediaUrl,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processingStatus"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Repository is the persistence the pipeline needs. Get of a missing
// item returns an error wrapping job.ErrNotFound.
type Repository interface {
	Get(ctx context.Context, id string) (*Content, error)

	// MarkCompleted stores metadata and flips the status only while the
	// item is still pending. It reports whether the row changed.
	MarkCompleted(ctx context.Context, id string, metadata map[string]any, now time.Time) (bool, error)
}
