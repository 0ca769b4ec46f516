package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/cuongbtq/battle-orchestrator/internal/queue/memory"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	queue   *queue.Service
	worker  *Worker
	metrics *metrics.Memory
	cancel  context.CancelFunc
	done    chan struct{}
}

func startHarness(t *testing.T, entries []Entry, tweak func(*Config)) *harness {
	t.Helper()

	m := metrics.NewMemory()
	q := queue.NewService(&queue.Config{
		Store:   memory.New(),
		Logger:  discard,
		Metrics: m,
		Backoff: queue.NewBackoff(time.Millisecond, 10*time.Millisecond),
	})

	reg, err := NewRegistry(entries...)
	require.NoError(t, err)

	cfg := &Config{
		Logger:       discard,
		Queue:        q,
		Registry:     reg,
		Metrics:      m,
		WorkerID:     "test",
		Concurrency:  2,
		JobTimeout:   time.Second,
		PollInterval: 5 * time.Millisecond,
	}
	if tweak != nil {
		tweak(cfg)
	}

	w, err := NewWorker(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{queue: q, worker: w, metrics: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = w.Start(ctx)
	}()

	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) waitStatus(t *testing.T, id string, want job.Status) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		j, err := h.queue.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

func TestWorker_CompletesJob(t *testing.T) {
	h := startHarness(t, []Entry{
		Handle(func(_ context.Context, p job.ProcessContentPayload) (job.Result, error) {
			return job.Completed(map[string]any{"contentId": p.ContentID}), nil
		}),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.ProcessContentPayload{ContentID: "c1"})
	require.NoError(t, err)

	j := h.waitStatus(t, id, job.StatusCompleted)
	assert.JSONEq(t, `{"outcome":"completed","data":{"contentId":"c1"}}`, string(j.Result))
	assert.Equal(t, 1, h.metrics.Count("jobs.completed", nil))
	assert.Len(t, h.metrics.Observations("jobs.duration_seconds"), 1)
}

func TestWorker_RetriesUntilDeadLetter(t *testing.T) {
	var calls atomic.Int32
	h := startHarness(t, []Entry{
		Handle(func(context.Context, job.SendNotificationPayload) (job.Result, error) {
			calls.Add(1)
			return job.Result{}, errors.New("push gateway unavailable")
		}),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.SendNotificationPayload{UserID: "u1"})
	require.NoError(t, err)

	j := h.waitStatus(t, id, job.StatusDeadLettered)
	assert.Equal(t, 3, j.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "push gateway unavailable", j.LastError)
}

func TestWorker_PanicIsRetried(t *testing.T) {
	var calls atomic.Int32
	h := startHarness(t, []Entry{
		Handle(func(context.Context, job.UpdateBattleStatePayload) (job.Result, error) {
			if calls.Add(1) == 1 {
				panic("nil battle")
			}
			return job.Noop(nil), nil
		}),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.UpdateBattleStatePayload{BattleID: "b1"})
	require.NoError(t, err)

	j := h.waitStatus(t, id, job.StatusCompleted)
	assert.Equal(t, 1, j.Attempts)
	assert.Contains(t, j.LastError, "handler panic: nil battle")
}

func TestWorker_PermanentErrorDeadLetters(t *testing.T) {
	var calls atomic.Int32
	h := startHarness(t, []Entry{
		Handle(func(context.Context, job.ProcessContentPayload) (job.Result, error) {
			calls.Add(1)
			return job.Result{}, job.Permanent(errors.New("unsupported"))
		}),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.ProcessContentPayload{ContentID: "c1"})
	require.NoError(t, err)

	h.waitStatus(t, id, job.StatusDeadLettered)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_UnknownTypeDeadLetters(t *testing.T) {
	h := startHarness(t, []Entry{
		Handle(func(context.Context, job.ProcessContentPayload) (job.Result, error) { return job.Noop(nil), nil }),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.VerifyTokenHoldingsPayload{UserID: "u1"})
	require.NoError(t, err)

	j := h.waitStatus(t, id, job.StatusDeadLettered)
	assert.Contains(t, j.LastError, "unknown job type")
}

func TestWorker_DeadlineFailsJob(t *testing.T) {
	h := startHarness(t, []Entry{
		Handle(func(ctx context.Context, _ job.CalculateBattleResultsPayload) (job.Result, error) {
			<-ctx.Done()
			return job.Result{}, ctx.Err()
		}, WithTimeout(10*time.Millisecond)),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.CalculateBattleResultsPayload{BattleID: "b1"}, job.WithMaxAttempts(1))
	require.NoError(t, err)

	j := h.waitStatus(t, id, job.StatusDeadLettered)
	assert.Contains(t, j.LastError, context.DeadlineExceeded.Error())
}

func TestWorker_ShutdownLetsClaimedJobFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := startHarness(t, []Entry{
		Handle(func(ctx context.Context, _ job.ProcessBattleRewardsPayload) (job.Result, error) {
			close(started)
			<-release
			return job.Completed(nil), ctx.Err()
		}),
	}, nil)

	id, err := h.queue.Enqueue(context.Background(), job.ProcessBattleRewardsPayload{BattleID: "b1"})
	require.NoError(t, err)
	<-started

	h.cancel()
	select {
	case <-h.done:
		t.Fatal("worker returned while a claimed job was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-h.done

	j, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
}

func TestWorker_WakeSkipsPollInterval(t *testing.T) {
	h := startHarness(t, []Entry{
		Handle(func(context.Context, job.SendNotificationPayload) (job.Result, error) { return job.Completed(nil), nil }),
	}, func(cfg *Config) {
		cfg.PollInterval = time.Hour
		cfg.Concurrency = 1
	})

	// let the first empty poll happen so the loop is idle
	time.Sleep(20 * time.Millisecond)

	id, err := h.queue.Enqueue(context.Background(), job.SendNotificationPayload{UserID: "u1"})
	require.NoError(t, err)
	h.worker.Wake()

	h.waitStatus(t, id, job.StatusCompleted)
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  int
	nacks int
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(uint64, bool, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func TestWorker_HintDispatcher(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	w, err := NewWorker(&Config{Logger: discard, Queue: queue.NewService(&queue.Config{Store: memory.New()}), Registry: reg, Concurrency: 1})
	require.NoError(t, err)

	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"job_id":"0192f0c1-8f4e-7a3b-9d2c-1b2a3c4d5e6f"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"job_id":"nope"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{`)}
	close(deliveries)

	w.startHintDispatcher(context.Background(), deliveries)

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 2, ack.nacks)
	assert.Len(t, w.wake, 1)
}
