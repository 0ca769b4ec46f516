package holdings_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cuongbtq/battle-orchestrator/internal/holdings"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/cuongbtq/battle-orchestrator/internal/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]holdings.UserHoldings
}

func newFakeUsers(users ...holdings.UserHoldings) *fakeUsers {
	f := &fakeUsers{users: make(map[string]holdings.UserHoldings)}
	for _, u := range users {
		f.users[u.UserID] = u
	}
	return f
}

func (f *fakeUsers) Get(_ context.Context, userID string) (*holdings.UserHoldings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, job.ErrNotFound)
	}
	return &u, nil
}

func (f *fakeUsers) UpdateHoldings(_ context.Context, h holdings.UserHoldings) (holdings.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.users[h.UserID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", h.UserID, job.ErrNotFound)
	}
	f.users[h.UserID] = h
	return prev.Tier, nil
}

type fixedBalances struct {
	amounts []float64
	err     error
}

func (b *fixedBalances) GetTokenHoldings(context.Context, string) (float64, error) {
	if b.err != nil {
		return 0, b.err
	}
	amount := b.amounts[0]
	b.amounts = b.amounts[1:]
	return amount, nil
}

type fixture struct {
	users   *fakeUsers
	queue   *queue.Service
	metrics *metrics.Memory
	logger  *slog.Logger
}

func newFixture(users ...holdings.UserHoldings) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewMemory()
	return &fixture{
		users:   newFakeUsers(users...),
		metrics: recorder,
		logger:  logger,
		queue: queue.NewService(&queue.Config{
			Store:   memory.New(),
			Logger:  logger,
			Metrics: recorder,
		}),
	}
}

func (f *fixture) notifications(t *testing.T) []job.SendNotificationPayload {
	t.Helper()
	jobs, _, err := f.queue.List(context.Background(), queue.Filter{Type: job.TypeSendNotification, PageSize: 100})
	require.NoError(t, err)

	out := make([]job.SendNotificationPayload, 0, len(jobs))
	for i := len(jobs) - 1; i >= 0; i-- {
		p, err := job.DecodePayload(jobs[i].Type, jobs[i].Payload)
		require.NoError(t, err)
		out = append(out, *p.(*job.SendNotificationPayload))
	}
	return out
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		amount float64
		want   holdings.Tier
	}{
		{0, holdings.TierBasic},
		{99.99, holdings.TierBasic},
		{100, holdings.TierBronze},
		{999, holdings.TierBronze},
		{1000, holdings.TierSilver},
		{9999, holdings.TierSilver},
		{10000, holdings.TierGold},
		{15000, holdings.TierGold},
		{100000, holdings.TierPlatinum},
		{1e9, holdings.TierPlatinum},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v", tt.amount), func(t *testing.T) {
			assert.Equal(t, tt.want, holdings.TierFor(tt.amount))
		})
	}
}

func TestVerifier_SequenceNotifiesOnTierChanges(t *testing.T) {
	f := newFixture(holdings.UserHoldings{UserID: "u-1", WalletAddress: "0xabc"})
	balances := &fixedBalances{amounts: []float64{50, 5000, 5000, 15000}}
	v := holdings.NewVerifier(f.users, balances, f.queue, f.metrics, f.logger)

	for i := 0; i < 4; i++ {
		_, err := v.Handle(context.Background(), job.VerifyTokenHoldingsPayload{UserID: "u-1", WalletAddress: "0xabc"})
		require.NoError(t, err)
	}

	notes := f.notifications(t)
	require.Len(t, notes, 2)
	assert.Equal(t, holdings.NotificationTierChanged, notes[0].Type)
	assert.Equal(t, "basic", notes[0].Data["previousTier"])
	assert.Equal(t, "silver", notes[0].Data["newTier"])
	assert.Equal(t, "silver", notes[1].Data["previousTier"])
	assert.Equal(t, "gold", notes[1].Data["newTier"])

	assert.Equal(t, 1, f.metrics.Count("token.tier.basic", nil))
	assert.Equal(t, 2, f.metrics.Count("token.tier.silver", nil))
	assert.Equal(t, 1, f.metrics.Count("token.tier.gold", nil))
	assert.Equal(t, []float64{50, 5000, 5000, 15000}, f.metrics.Observations("token.holdings.amount"))
}

func TestVerifier_BronzeTo15000(t *testing.T) {
	f := newFixture(holdings.UserHoldings{UserID: "u-2", WalletAddress: "0xdef", Amount: 500, Tier: holdings.TierBronze})
	v := holdings.NewVerifier(f.users, &fixedBalances{amounts: []float64{15000}}, f.queue, f.metrics, f.logger)

	res, err := v.Handle(context.Background(), job.VerifyTokenHoldingsPayload{UserID: "u-2"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Data["tierChanged"])

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	assert.Equal(t, "u-2", notes[0].UserID)
	assert.Equal(t, "bronze", notes[0].Data["previousTier"])
	assert.Equal(t, "gold", notes[0].Data["newTier"])
	assert.Equal(t, float64(15000), notes[0].Data["amount"])

	stored, err := f.users.Get(context.Background(), "u-2")
	require.NoError(t, err)
	assert.Equal(t, holdings.TierGold, stored.Tier)
	assert.Equal(t, float64(15000), stored.Amount)
}

func TestVerifier_Errors(t *testing.T) {
	t.Run("balance failure is retryable", func(t *testing.T) {
		f := newFixture(holdings.UserHoldings{UserID: "u-1", WalletAddress: "0xabc"})
		v := holdings.NewVerifier(f.users, &fixedBalances{err: errors.New("rpc down")}, f.queue, f.metrics, f.logger)

		_, err := v.Handle(context.Background(), job.VerifyTokenHoldingsPayload{UserID: "u-1", WalletAddress: "0xabc"})
		require.Error(t, err)
		assert.False(t, job.IsPermanent(err))
		assert.Equal(t, 1, f.metrics.Count("token.verification_error", nil))
	})

	t.Run("missing user", func(t *testing.T) {
		f := newFixture()
		v := holdings.NewVerifier(f.users, &fixedBalances{amounts: []float64{1}}, f.queue, f.metrics, f.logger)

		_, err := v.Handle(context.Background(), job.VerifyTokenHoldingsPayload{UserID: "ghost"})
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("no wallet is skipped", func(t *testing.T) {
		f := newFixture(holdings.UserHoldings{UserID: "u-3"})
		v := holdings.NewVerifier(f.users, &fixedBalances{}, f.queue, f.metrics, f.logger)

		res, err := v.Handle(context.Background(), job.VerifyTokenHoldingsPayload{UserID: "u-3"})
		require.NoError(t, err)
		assert.Equal(t, job.OutcomeSkipped, res.Outcome)
	})
}

func TestHTTPBalanceSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/wallets/0xabc/balance":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"address":"0xabc","balance":"1234.5"}`))
		case "/v1/wallets/0xbad/balance":
			http.Error(w, "unknown wallet", http.StatusNotFound)
		default:
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	src := holdings.NewHTTPBalanceSource(holdings.HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret"}, nil)

	amount, err := src.GetTokenHoldings(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, amount)

	_, err = src.GetTokenHoldings(context.Background(), "0xbad")
	require.Error(t, err)
	assert.True(t, job.IsPermanent(err))

	_, err = src.GetTokenHoldings(context.Background(), "0xother")
	require.Error(t, err)
	assert.False(t, job.IsPermanent(err))
	var se *holdings.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Code)
}
