package battle_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/cuongbtq/battle-orchestrator/internal/queue/memory"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu      sync.Mutex
	battles map[string]*battle.Battle
	entries map[string][]battle.Entry
	results map[string]*battle.Results
	saves   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		battles: make(map[string]*battle.Battle),
		entries: make(map[string][]battle.Entry),
		results: make(map[string]*battle.Results),
	}
}

func (r *fakeRepo) put(b battle.Battle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.battles[b.ID] = &b
}

func (r *fakeRepo) Get(_ context.Context, id string) (*battle.Battle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.battles[id]
	if !ok {
		return nil, fmt.Errorf("battle %s: %w", id, job.ErrNotFound)
	}
	c := *b
	return &c, nil
}

func (r *fakeRepo) TransitionStatus(_ context.Context, id string, from, to battle.Status, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.battles[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = now
	return true, nil
}

func (r *fakeRepo) ListEntries(_ context.Context, battleID string) ([]battle.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]battle.Entry(nil), r.entries[battleID]...), nil
}

func (r *fakeRepo) GetResults(_ context.Context, battleID string) (*battle.Results, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[battleID]
	if !ok {
		return nil, fmt.Errorf("results %s: %w", battleID, job.ErrNotFound)
	}
	return res, nil
}

func (r *fakeRepo) SaveResults(_ context.Context, res *battle.Results) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[res.BattleID]; ok {
		return false, nil
	}
	r.results[res.BattleID] = res
	r.saves++
	return true, nil
}

func (r *fakeRepo) MarkResultsNotified(_ context.Context, battleID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[battleID]
	if !ok || res.NotifiedAt != nil {
		return false, nil
	}
	res.NotifiedAt = &now
	return true, nil
}

func (r *fakeRepo) MarkRewardsIssued(_ context.Context, battleID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.battles[battleID]
	if !ok || b.RewardsIssuedAt != nil {
		return false, nil
	}
	b.RewardsIssuedAt = &now
	return true, nil
}

func (r *fakeRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*battle.Battle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*battle.Battle
	for _, b := range r.battles {
		if _, ok := battle.NextStatus(b, now); ok && len(due) < limit {
			c := *b
			due = append(due, &c)
		}
	}
	return due, nil
}

type fakeLedger struct {
	mu     sync.Mutex
	grants map[string]battle.Grant
	calls  int
	err    error
}

func (l *fakeLedger) Grant(_ context.Context, g battle.Grant) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return l.err
	}
	if l.grants == nil {
		l.grants = make(map[string]battle.Grant)
	}
	l.grants[g.ID] = g
	return nil
}

type harness struct {
	repo    *fakeRepo
	queue   *queue.Service
	metrics *metrics.Memory
	logger  *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewMemory()
	return &harness{
		repo:    newFakeRepo(),
		metrics: recorder,
		logger:  logger,
		queue: queue.NewService(&queue.Config{
			Store:   memory.New(),
			Logger:  logger,
			Metrics: recorder,
		}),
	}
}

func (h *harness) jobs(t *testing.T, typ job.Type) []*job.Job {
	t.Helper()
	jobs, _, err := h.queue.List(context.Background(), queue.Filter{Type: typ, PageSize: 100})
	require.NoError(t, err)
	return jobs
}
