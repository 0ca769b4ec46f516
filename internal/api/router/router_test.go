package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/battle-orchestrator/internal/api/dto"
	"github.com/cuongbtq/battle-orchestrator/internal/api/handler"
	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/content"
	"github.com/cuongbtq/battle-orchestrator/internal/holdings"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/cuongbtq/battle-orchestrator/internal/queue/memory"
)

type battles map[string]*battle.Battle

func (b battles) Get(_ context.Context, id string) (*battle.Battle, error) {
	if v, ok := b[id]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("battle %s: %w", id, job.ErrNotFound)
}

type contents map[string]*content.Content

func (c contents) Get(_ context.Context, id string) (*content.Content, error) {
	if v, ok := c[id]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("content %s: %w", id, job.ErrNotFound)
}

type users map[string]*holdings.UserHoldings

func (u users) Get(_ context.Context, id string) (*holdings.UserHoldings, error) {
	if v, ok := u[id]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("user %s: %w", id, job.ErrNotFound)
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

type testServer struct {
	engine *gin.Engine
	queue  *queue.Service
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewService(&queue.Config{Store: memory.New(), Logger: logger})
	now := time.Now()

	deps := &handler.Dependencies{
		Logger: logger,
		Queue:  q,
		Battles: battles{"b-1": {
			ID:        "b-1",
			Status:    battle.StatusOpen,
			StartTime: now.Add(-time.Hour),
			EndTime:   now.Add(time.Hour),
		}},
		Contents: contents{"c-1": {ID: "c-1", MediaType: content.MediaText}},
		Users:    users{"u-1": {UserID: "u-1", WalletAddress: "0xabc"}},
	}
	return &testServer{engine: SetupRouter(deps, opts), queue: q}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
	}{
		{name: "no database", wantStatus: http.StatusOK},
		{name: "database up", db: pinger{}, wantStatus: http.StatusOK},
		{name: "database down", db: pinger{err: errors.New("connection refused")}, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{ServiceName: "battle-api", Database: tt.db})
			w := s.do(t, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Options{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("battle_jobs_jobs_enqueued_total 1\n"))
	})})
	w := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "battle_jobs_jobs_enqueued_total")

	s = newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		check      func(t *testing.T, got dto.JobDTO)
	}{
		{
			name: "valid job",
			body: map[string]any{
				"type":     "process_content",
				"payload":  map[string]any{"contentId": "c-1"},
				"priority": "high",
			},
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, got dto.JobDTO) {
				assert.Equal(t, "process_content", got.JobType)
				assert.Equal(t, "pending", got.Status)
				assert.Equal(t, "high", got.Priority)
				assert.JSONEq(t, `{"contentId":"c-1"}`, string(got.Payload))
			},
		},
		{
			name: "delayed with attempts",
			body: map[string]any{
				"type":          "send_notification",
				"payload":       map[string]any{"userId": "u-1", "type": "welcome"},
				"delay_seconds": 60,
				"max_attempts":  7,
			},
			wantStatus: http.StatusAccepted,
			check: func(t *testing.T, got dto.JobDTO) {
				assert.Equal(t, 7, got.MaxAttempts)
				scheduled, err := time.Parse(time.RFC3339Nano, got.ScheduledAt)
				require.NoError(t, err)
				assert.True(t, scheduled.After(time.Now().Add(30*time.Second)))
			},
		},
		{
			name:       "unknown type",
			body:       map[string]any{"type": "mine_bitcoin", "payload": map[string]any{}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing payload",
			body:       map[string]any{"type": "process_content"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "payload of the wrong shape",
			body:       map[string]any{"type": "process_content", "payload": []int{1, 2}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "bad priority",
			body:       map[string]any{"type": "process_content", "payload": map[string]any{}, "priority": "urgent"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{})
			w := s.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.check != nil {
				tt.check(t, decode[dto.JobDTO](t, w))
			}
		})
	}
}

func TestCreateJob_IdempotencyKey(t *testing.T) {
	s := newTestServer(t, Options{})
	body := map[string]any{
		"type":            "process_content",
		"payload":         map[string]any{"contentId": "c-1"},
		"idempotency_key": "content:c-1",
	}

	first := decode[dto.JobDTO](t, s.do(t, http.MethodPost, "/api/v1/jobs", body))
	second := decode[dto.JobDTO](t, s.do(t, http.MethodPost, "/api/v1/jobs", body))
	assert.Equal(t, first.JobID, second.JobID)

	stats := decode[queue.Stats](t, s.do(t, http.MethodGet, "/api/v1/jobs/stats", nil))
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Total)
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t, Options{})
	id, err := s.queue.Enqueue(context.Background(), job.ProcessContentPayload{ContentID: "c-1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		jobID      string
		wantStatus int
	}{
		{name: "found", jobID: id, wantStatus: http.StatusOK},
		{name: "not a uuid", jobID: "nope", wantStatus: http.StatusBadRequest},
		{name: "missing", jobID: "0190a0a0-0000-7000-8000-000000000000", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodGet, "/api/v1/jobs/"+tt.jobID, nil)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, id, decode[dto.JobDTO](t, w).JobID)
			}
		})
	}
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestServer(t, Options{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.queue.Enqueue(ctx, job.SendNotificationPayload{UserID: fmt.Sprintf("u-%d", i), Type: "welcome"})
		require.NoError(t, err)
	}
	_, err := s.queue.Enqueue(ctx, job.ProcessContentPayload{ContentID: "c-1"})
	require.NoError(t, err)

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		path := "/api/v1/jobs?type=send_notification&page_size=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		w := s.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)

		page := decode[dto.ListJobsResponse](t, w)
		for _, j := range page.Jobs {
			assert.Equal(t, "send_notification", j.JobType)
			assert.False(t, seen[j.JobID], "job %s listed twice", j.JobID)
			seen[j.JobID] = true
		}
		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestListJobs_BadQuery(t *testing.T) {
	s := newTestServer(t, Options{})
	for _, q := range []string{"type=unknown", "status=sleeping", "cursor=!!!"} {
		w := s.do(t, http.MethodGet, "/api/v1/jobs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestRequeueJob(t *testing.T) {
	s := newTestServer(t, Options{})
	ctx := context.Background()

	id, err := s.queue.Enqueue(ctx, job.ProcessContentPayload{ContentID: "c-1"})
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/requeue", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	claimed, err := s.queue.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	require.NoError(t, s.queue.DeadLetter(ctx, id, job.Permanent(errors.New("broken"))))

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/requeue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dto.JobDTO](t, w)
	assert.Equal(t, "pending", got.Status)
	assert.Zero(t, got.Attempts)
}

func TestCancelJob(t *testing.T) {
	tests := []struct {
		name      string
		claim     bool
		path      func(id string) string
		body      any
		wantCode  int
		wantError string
	}{
		{
			name:      "pending with reason",
			path:      func(id string) string { return "/api/v1/jobs/" + id + "/cancel" },
			body:      dto.CancelJobRequest{Reason: "battle withdrawn"},
			wantCode:  http.StatusOK,
			wantError: "canceled by operator: battle withdrawn",
		},
		{
			name:      "pending without body",
			path:      func(id string) string { return "/api/v1/jobs/" + id + "/cancel" },
			wantCode:  http.StatusOK,
			wantError: "canceled by operator",
		},
		{
			name:     "running",
			claim:    true,
			path:     func(id string) string { return "/api/v1/jobs/" + id + "/cancel" },
			wantCode: http.StatusConflict,
		},
		{
			name:     "unknown job",
			path:     func(string) string { return "/api/v1/jobs/0190a5e4-0000-7000-8000-000000000000/cancel" },
			wantCode: http.StatusNotFound,
		},
		{
			name:     "malformed id",
			path:     func(string) string { return "/api/v1/jobs/not-a-uuid/cancel" },
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{})
			ctx := context.Background()

			id, err := s.queue.Enqueue(ctx, job.ProcessContentPayload{ContentID: "c-1"},
				job.WithIdempotencyKey("content-c-1"))
			require.NoError(t, err)
			if tt.claim {
				claimed, err := s.queue.Dequeue(ctx, "w1")
				require.NoError(t, err)
				require.Equal(t, id, claimed.ID)
			}

			w := s.do(t, http.MethodPost, tt.path(id), tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}

			got := decode[dto.JobDTO](t, w)
			assert.Equal(t, "failed", got.Status)
			assert.Equal(t, tt.wantError, got.LastError)
			assert.NotEmpty(t, got.CompletedAt)

			// the key is free for a fresh job
			again, err := s.queue.Enqueue(ctx, job.ProcessContentPayload{ContentID: "c-1"},
				job.WithIdempotencyKey("content-c-1"))
			require.NoError(t, err)
			assert.NotEqual(t, id, again)
		})
	}
}

func TestTriggers(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
		wantType   job.Type
	}{
		{name: "refresh battle", path: "/api/v1/battles/b-1/refresh", wantStatus: http.StatusAccepted, wantType: job.TypeUpdateBattleState},
		{name: "refresh missing battle", path: "/api/v1/battles/b-9/refresh", wantStatus: http.StatusNotFound},
		{name: "process content", path: "/api/v1/contents/c-1/process", wantStatus: http.StatusAccepted, wantType: job.TypeProcessContent},
		{name: "process missing content", path: "/api/v1/contents/c-9/process", wantStatus: http.StatusNotFound},
		{name: "verify holdings", path: "/api/v1/users/u-1/holdings/verify", wantStatus: http.StatusAccepted, wantType: job.TypeVerifyTokenHoldings},
		{
			name:       "verify holdings with wallet",
			path:       "/api/v1/users/u-1/holdings/verify",
			body:       map[string]any{"wallet_address": "0xdef"},
			wantStatus: http.StatusAccepted,
			wantType:   job.TypeVerifyTokenHoldings,
		},
		{name: "verify missing user", path: "/api/v1/users/u-9/holdings/verify", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{})
			w := s.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusAccepted {
				return
			}

			resp := decode[dto.EnqueuedResponse](t, w)
			assert.Equal(t, string(tt.wantType), resp.JobType)

			stored, err := s.queue.Get(context.Background(), resp.JobID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, stored.Type)
		})
	}
}

func TestRefreshBattle_CollapsesDuplicates(t *testing.T) {
	s := newTestServer(t, Options{})

	first := decode[dto.EnqueuedResponse](t, s.do(t, http.MethodPost, "/api/v1/battles/b-1/refresh", nil))
	second := decode[dto.EnqueuedResponse](t, s.do(t, http.MethodPost, "/api/v1/battles/b-1/refresh", nil))
	assert.Equal(t, first.JobID, second.JobID)

	stored, err := s.queue.Get(context.Background(), first.JobID)
	require.NoError(t, err)
	assert.Equal(t, battle.StateKey("b-1", battle.StatusVoting), stored.IdempotencyKey)
	assert.Equal(t, job.PriorityHigh, stored.Priority)
}
