package content_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/content"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu    sync.Mutex
	items map[string]*content.Content
	marks int
}

func newFakeRepo(items ...content.Content) *fakeRepo {
	r := &fakeRepo{items: make(map[string]*content.Content)}
	for i := range items {
		c := items[i]
		r.items[c.ID] = &c
	}
	return r
}

func (r *fakeRepo) Get(_ context.Context, id string) (*content.Content, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("content %s: %w", id, job.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepo) MarkCompleted(_ context.Context, id string, metadata map[string]any, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.ProcessingStatus != content.StatusPending {
		return false, nil
	}
	c.ProcessingStatus = content.StatusCompleted
	c.Metadata = metadata
	c.UpdatedAt = now
	r.marks++
	return true, nil
}

func newPipeline(repo content.Repository) (*content.Pipeline, *metrics.Memory) {
	recorder := metrics.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return content.NewPipeline(repo, nil, recorder, logger), recorder
}

func TestPipeline_ProcessesEachMediaType(t *testing.T) {
	tests := []struct {
		name     string
		item     content.Content
		wantMeta map[string]any
	}{
		{
			name: "text",
			item: content.Content{ID: "c-text", MediaType: content.MediaText, Body: "  hello   battle\n world  "},
			wantMeta: map[string]any{
				"wordCount":  3,
				"normalized": "hello battle world",
				"excerpt":    "hello battle world",
			},
		},
		{
			name: "image",
			item: content.Content{ID: "c-img", MediaType: content.MediaImage, MediaURL: "https://cdn.example.com/u/1/art.PNG"},
			wantMeta: map[string]any{
				"mimeType":  "image/png",
				"extension": ".png",
				"fileName":  "art.PNG",
			},
		},
		{
			name: "audio",
			item: content.Content{ID: "c-aud", MediaType: content.MediaAudio, MediaURL: "https://cdn.example.com/track.mp3?sig=abc"},
			wantMeta: map[string]any{
				"mimeType":  "audio/mpeg",
				"extension": ".mp3",
			},
		},
		{
			name: "video",
			item: content.Content{ID: "c-vid", MediaType: content.MediaVideo, MediaURL: "http://media.example.com/clip.webm"},
			wantMeta: map[string]any{
				"mimeType": "video/webm",
				"host":     "media.example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.item.ProcessingStatus = content.StatusPending
			repo := newFakeRepo(tt.item)
			p, recorder := newPipeline(repo)

			res, err := p.Handle(context.Background(), job.ProcessContentPayload{ContentID: tt.item.ID})
			require.NoError(t, err)
			assert.Equal(t, job.OutcomeCompleted, res.Outcome)

			stored, err := repo.Get(context.Background(), tt.item.ID)
			require.NoError(t, err)
			assert.Equal(t, content.StatusCompleted, stored.ProcessingStatus)
			for k, v := range tt.wantMeta {
				assert.Equal(t, v, stored.Metadata[k], k)
			}

			assert.Equal(t, 1, recorder.Count("content.processed", nil))
			assert.Equal(t, 1, recorder.Count("content.processed."+string(tt.item.MediaType), nil))
		})
	}
}

func TestPipeline_CompletedIsNoop(t *testing.T) {
	repo := newFakeRepo(content.Content{ID: "c-1", MediaType: content.MediaText, Body: "x", ProcessingStatus: content.StatusCompleted})
	p, recorder := newPipeline(repo)

	res, err := p.Handle(context.Background(), job.ProcessContentPayload{ContentID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeNoop, res.Outcome)
	assert.Equal(t, 0, repo.marks)
	assert.Equal(t, 0, recorder.Count("content.processed", nil))
}

func TestPipeline_UnsupportedTypeIsSkipped(t *testing.T) {
	repo := newFakeRepo(content.Content{ID: "c-2", MediaType: "hologram", ProcessingStatus: content.StatusPending})
	p, _ := newPipeline(repo)

	res, err := p.Handle(context.Background(), job.ProcessContentPayload{ContentID: "c-2"})
	require.NoError(t, err)
	assert.Equal(t, job.OutcomeSkipped, res.Outcome)

	stored, err := repo.Get(context.Background(), "c-2")
	require.NoError(t, err)
	assert.Equal(t, content.StatusPending, stored.ProcessingStatus)
}

func TestPipeline_InvalidMediaIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		item content.Content
	}{
		{"no url", content.Content{ID: "c-a", MediaType: content.MediaImage}},
		{"not http", content.Content{ID: "c-b", MediaType: content.MediaImage, MediaURL: "ftp://example.com/a.png"}},
		{"no extension", content.Content{ID: "c-c", MediaType: content.MediaVideo, MediaURL: "https://example.com/clip"}},
		{"wrong family", content.Content{ID: "c-d", MediaType: content.MediaAudio, MediaURL: "https://example.com/a.png"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.item.ProcessingStatus = content.StatusPending
			p, recorder := newPipeline(newFakeRepo(tt.item))

			_, err := p.Handle(context.Background(), job.ProcessContentPayload{ContentID: tt.item.ID})
			require.Error(t, err)
			assert.True(t, job.IsPermanent(err))
			assert.Equal(t, 1, recorder.Count("content.processing_error", metrics.Tags{"type": string(tt.item.MediaType)}))
		})
	}
}

func TestPipeline_NotFound(t *testing.T) {
	p, recorder := newPipeline(newFakeRepo())

	_, err := p.Handle(context.Background(), job.ProcessContentPayload{ContentID: "missing"})
	assert.ErrorIs(t, err, job.ErrNotFound)
	assert.False(t, job.IsPermanent(err))
	assert.Equal(t, 1, recorder.Count("content.processing_error", metrics.Tags{"type": "unknown"}))
}

func TestProcessText_Excerpt(t *testing.T) {
	body := strings.Repeat("word ", 100)
	meta, err := content.ProcessText(context.Background(), &content.Content{ID: "c", Body: body})
	require.NoError(t, err)

	ex := meta["excerpt"].(string)
	assert.True(t, strings.HasSuffix(ex, "..."))
	assert.LessOrEqual(t, len([]rune(ex)), content.ExcerptLength+3)
	assert.Equal(t, 100, meta["wordCount"])
}

func TestPipeline_CustomTable(t *testing.T) {
	repo := newFakeRepo(content.Content{ID: "c-3", MediaType: content.MediaText, Body: "hi", ProcessingStatus: content.StatusPending})
	var called bool
	p := content.NewPipeline(repo, map[content.MediaType]content.Processor{
		content.MediaText: func(_ context.Context, c *content.Content) (map[string]any, error) {
			called = true
			return map[string]any{"custom": true}, nil
		},
	}, metrics.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := p.Handle(context.Background(), job.ProcessContentPayload{ContentID: "c-3"})
	require.NoError(t, err)
	assert.True(t, called)
}
