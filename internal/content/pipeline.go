package content

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// Pipeline dispatches content items to the processor for their media type
type Pipeline struct {
	repo       Repository
	processors map[MediaType]Processor
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewPipeline creates a pipeline. A nil table selects DefaultProcessors.
func NewPipeline(repo Repository, processors map[MediaType]Processor, recorder metrics.Recorder, logger *slog.Logger) *Pipeline {
	if processors == nil {
		processors = DefaultProcessors()
	}
	return &Pipeline{
		repo:       repo,
		processors: processors,
		metrics:    recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle runs one ProcessContent job
func (p *Pipeline) Handle(ctx context.Context, payload job.ProcessContentPayload) (job.Result, error) {
	c, err := p.repo.Get(ctx, payload.ContentID)
	if err != nil {
		p.metrics.Increment("content.processing_error", metrics.Tags{"type": "unknown"})
		return job.Result{}, fmt.Errorf("failed to load content %s: %w", payload.ContentID, err)
	}

	if c.ProcessingStatus == StatusCompleted {
		return job.Noop(map[string]any{"contentId": c.ID, "alreadyProcessed": true}), nil
	}

	process, ok := p.processors[c.MediaType]
	if !ok {
		p.logger.Warn("Unsupported content type, skipping",
			slog.String("content_id", c.ID),
			slog.String("media_type", string(c.MediaType)),
		)
		return job.Skipped(fmt.Sprintf("unsupported media type %q", c.MediaType)), nil
	}

	metadata, err := process(ctx, c)
	if err != nil {
		p.metrics.Increment("content.processing_error", metrics.Tags{"type": string(c.MediaType)})
		return job.Result{}, fmt.Errorf("failed to process content %s: %w", c.ID, err)
	}

	changed, err := p.repo.MarkCompleted(ctx, c.ID, metadata, p.now().UTC())
	if err != nil {
		p.metrics.Increment("content.processing_error", metrics.Tags{"type": string(c.MediaType)})
		return job.Result{}, fmt.Errorf("failed to mark content %s completed: %w", c.ID, err)
	}
	if !changed {
		return job.Noop(map[string]any{"contentId": c.ID, "alreadyProcessed": true}), nil
	}

	p.metrics.Increment("content.processed", metrics.Tags{"type": string(c.MediaType)})
	p.metrics.Increment("content.processed."+string(c.MediaType), nil)
	p.logger.Info("Content processed",
		slog.String("content_id", c.ID),
		slog.String("media_type", string(c.MediaType)),
	)

	return job.Completed(map[string]any{
		"contentId": c.ID,
		"mediaType": string(c.MediaType),
		"metadata":  metadata,
	}), nil
}
