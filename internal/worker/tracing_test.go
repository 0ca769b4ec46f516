package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

func TestWorker_RecordsJobSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	h := startHarness(t, []Entry{
		Handle(func(_ context.Context, p job.ProcessContentPayload) (job.Result, error) {
			if p.ContentID == "bad" {
				return job.Result{}, job.Permanent(errors.New("unsupported"))
			}
			return job.Completed(nil), nil
		}),
	}, func(cfg *Config) {
		cfg.Tracer = tp.Tracer("worker-test")
	})

	ok, err := h.queue.Enqueue(context.Background(), job.ProcessContentPayload{ContentID: "c1"})
	require.NoError(t, err)
	bad, err := h.queue.Enqueue(context.Background(), job.ProcessContentPayload{ContentID: "bad"})
	require.NoError(t, err)

	h.waitStatus(t, ok, job.StatusCompleted)
	h.waitStatus(t, bad, job.StatusDeadLettered)
	h.stop()

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		require.Equal(t, "job.execute", s.Name())
		for _, kv := range s.Attributes() {
			if kv.Key == attribute.Key("job.id") {
				spans[kv.Value.AsString()] = s
			}
		}
	}

	require.Contains(t, spans, ok)
	require.Contains(t, spans, bad)
	assert.Equal(t, codes.Ok, spans[ok].Status().Code)
	assert.Equal(t, codes.Error, spans[bad].Status().Code)
}
