package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cuongbtq/battle-orchestrator/internal/worker"

// Queue is the part of the job queue the worker drives
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (*job.Job, error)
	Complete(ctx context.Context, id string, result job.Result) error
	Fail(ctx context.Context, id string, cause error) (job.Status, error)
	DeadLetter(ctx context.Context, id string, cause error) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Queue         Queue
	Registry      *Registry
	Metrics       metrics.Recorder
	RabbitClient  *rabbitmq.Client // optional source of job-ready hints
	Tracer        trace.Tracer
	WorkerID      string
	Concurrency   int
	JobTimeout    time.Duration
	PollInterval  time.Duration
	PrefetchCount int
}

// Worker represents the background job worker
type Worker struct {
	logger        *slog.Logger
	queue         Queue
	registry      *Registry
	metrics       metrics.Recorder
	rabbitClient  *rabbitmq.Client
	tracer        trace.Tracer
	workerID      string
	concurrency   int
	jobTimeout    time.Duration
	pollInterval  time.Duration
	prefetchCount int

	wake     chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker queue is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("worker registry is required")
	}

	w := &Worker{
		logger:        cfg.Logger,
		queue:         cfg.Queue,
		registry:      cfg.Registry,
		metrics:       cfg.Metrics,
		rabbitClient:  cfg.RabbitClient,
		tracer:        cfg.Tracer,
		workerID:      cfg.WorkerID,
		concurrency:   cfg.Concurrency,
		jobTimeout:    cfg.JobTimeout,
		pollInterval:  cfg.PollInterval,
		prefetchCount: cfg.PrefetchCount,
		stopChan:      make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.metrics == nil {
		w.metrics = metrics.Nop{}
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	if w.workerID == "" {
		w.workerID = "worker"
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = 30 * time.Second
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	w.wake = make(chan struct{}, w.concurrency)

	return w, nil
}

// Start runs the pool until ctx is canceled or Stop is called. Jobs
// already claimed run to completion before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Any("job_types", w.registry.Types()),
	)

	if w.rabbitClient != nil {
		deliveries, err := w.setupConsumer(ctx)
		if err != nil {
			// polling still drives the pool
			w.logger.Warn("Job-ready hints disabled",
				slog.String("error", err.Error()),
			)
		} else {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.startHintDispatcher(ctx, deliveries)
			}()
		}
	}

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}

	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// Stop asks every loop to exit after its current job
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Wake nudges one idle loop to poll the queue now
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
