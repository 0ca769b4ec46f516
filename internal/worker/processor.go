package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// processJob runs one claimed job and records its outcome. A claimed job
// is never abandoned: shutdown does not cancel it, only its own deadline
// does.
func (w *Worker) processJob(ctx context.Context, workerName string, j *job.Job) {
	base := context.WithoutCancel(ctx)
	tags := metrics.Tags{"type": string(j.Type)}

	logger := w.logger.With(
		slog.String("worker_name", workerName),
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.Attempts+1),
	)

	entry, ok := w.registry.Lookup(j.Type)
	if !ok {
		logger.Error("No handler registered for job type")
		cause := job.Permanent(fmt.Errorf("%w: %s", job.ErrUnknownType, j.Type))
		if err := w.queue.DeadLetter(base, j.ID, cause); err != nil {
			logger.Error("Failed to dead-letter job", slog.String("error", err.Error()))
		}
		return
	}

	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = w.jobTimeout
	}

	jobCtx, cancel := context.WithTimeout(job.ContextWithID(base, j.ID), timeout)
	defer cancel()

	jobCtx, span := w.tracer.Start(jobCtx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("job.type", string(j.Type)),
			attribute.Int("job.attempt", j.Attempts+1),
			attribute.String("worker.name", workerName),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	logger.Info("Processing job")

	start := time.Now()
	result, err := w.execute(jobCtx, entry, j)
	w.metrics.Observe("jobs.duration_seconds", time.Since(start).Seconds(), tags)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.recordFailure(base, logger, j, err)
		return
	}
	span.SetStatus(codes.Ok, "")

	if err := w.queue.Complete(base, j.ID, result); err != nil {
		logger.Error("Failed to mark job completed", slog.String("error", err.Error()))
		return
	}

	w.metrics.Increment("jobs.completed", tags)
	logger.Info("Job completed",
		slog.String("outcome", string(result.Outcome)),
		slog.Duration("duration", time.Since(start)),
	)
}

// execute invokes the handler, turning a panic into an error
func (w *Worker) execute(ctx context.Context, entry Entry, j *job.Job) (result job.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job handler panicked",
				slog.String("job_id", j.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = job.Result{}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return entry.Handler(ctx, j)
}

func (w *Worker) recordFailure(ctx context.Context, logger *slog.Logger, j *job.Job, cause error) {
	if job.IsPermanent(cause) {
		logger.Error("Job failed permanently", slog.String("error", cause.Error()))
		if err := w.queue.DeadLetter(ctx, j.ID, cause); err != nil {
			logger.Error("Failed to dead-letter job", slog.String("error", err.Error()))
		}
		return
	}

	status, err := w.queue.Fail(ctx, j.ID, cause)
	if err != nil {
		logger.Error("Failed to record job failure", slog.String("error", err.Error()))
		return
	}

	logger.Warn("Job execution failed",
		slog.String("error", cause.Error()),
		slog.String("next_status", string(status)),
	)
}
