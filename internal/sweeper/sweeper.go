package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// DefaultSchedule runs a sweep twice a minute
const DefaultSchedule = "@every 30s"

// cronParser supports standard 5-field cron and descriptors like "@every 30s"
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// DueLister finds battles whose next boundary has passed
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*battle.Battle, error)
}

// Reaper takes back jobs whose worker stopped reporting
type Reaper interface {
	ReapExpired(ctx context.Context) (int, error)
}

// Config holds sweeper dependencies. A nil Battles turns the battle
// sweep off and a nil Reaper turns reaping off.
type Config struct {
	Battles   DueLister
	Enqueuer  battle.Enqueuer
	Reaper    Reaper
	Metrics   metrics.Recorder
	Logger    *slog.Logger
	Schedule  string
	BatchSize int
}

// Sweeper enqueues state updates for battles whose follow-up job went
// missing, such as battles created outside the job flow. On the same
// schedule it reaps jobs with expired leases.
type Sweeper struct {
	battles   DueLister
	enqueuer  battle.Enqueuer
	reaper    Reaper
	metrics   metrics.Recorder
	logger    *slog.Logger
	schedule  cronlib.Schedule
	batchSize int
	now       func() time.Time
}

// New creates a sweeper
func New(cfg *Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", expr, err)
	}

	s := &Sweeper{
		battles:   cfg.Battles,
		enqueuer:  cfg.Enqueuer,
		reaper:    cfg.Reaper,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		schedule:  schedule,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	return s, nil
}

// Run sweeps on schedule until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Sweeper started",
		slog.Bool("battles", s.battles != nil),
		slog.Bool("reaper", s.reaper != nil),
	)
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Sweeper stopped")
			return nil
		case <-timer.C:
		}

		s.tick(ctx)
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.reaper != nil {
		n, err := s.reaper.ReapExpired(ctx)
		if err != nil {
			s.logger.Error("Job reap failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Warn("Reaped jobs with expired leases", slog.Int("jobs", n))
			s.metrics.Observe("sweeper.reaped", float64(n), nil)
		}
	}

	if s.battles == nil {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Battle sweep failed", slog.String("error", err.Error()))
	}
}

// Sweep enqueues one UpdateBattleState job per due battle and returns
// how many battles were due. Idempotency keys collapse repeats with
// jobs already waiting, so sweeper.due counts due battles, not new jobs.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.battles.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due battles: %w", err)
	}

	for _, b := range due {
		next, ok := battle.NextStatus(b, now)
		if !ok {
			continue
		}
		if _, err := s.enqueuer.Enqueue(ctx, job.UpdateBattleStatePayload{BattleID: b.ID},
			job.WithIdempotencyKey(battle.StateKey(b.ID, next)),
		); err != nil {
			return 0, fmt.Errorf("failed to enqueue state update for battle %s: %w", b.ID, err)
		}
		s.metrics.Increment("sweeper.due", nil)
	}

	if len(due) > 0 {
		s.logger.Info("Battle sweep found due battles", slog.Int("battles", len(due)))
	}
	return len(due), nil
}
