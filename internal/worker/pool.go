package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop claims and runs jobs until the worker stops. Idle loops
// sleep for the poll interval unless a hint wakes them earlier.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	idle := time.NewTimer(0)
	defer idle.Stop()

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return
		case <-idle.C:
		case <-w.wake:
		}

		// drain the queue before going idle again
		for w.running(ctx) {
			j, err := w.queue.Dequeue(ctx, workerName)
			if err != nil {
				w.logger.Error("Failed to dequeue job",
					slog.String("worker_name", workerName),
					slog.String("error", err.Error()),
				)
				break
			}
			if j == nil {
				break
			}
			w.processJob(ctx, workerName, j)
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(w.pollInterval)
	}
}

func (w *Worker) running(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return false
	case <-ctx.Done():
		return false
	default:
		return true
	}
}
