package holdings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
)

// NotificationTierChanged is sent when a verification moves a user
// between tiers
const NotificationTierChanged = "holder_tier_changed"

// Enqueuer schedules follow-up jobs
type Enqueuer interface {
	Enqueue(ctx context.Context, payload job.Payload, opts ...job.Option) (string, error)
}

// Verifier refreshes a user's holdings and tier
type Verifier struct {
	users    UserRepository
	balances BalanceSource
	enqueuer Enqueuer
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewVerifier creates a holdings verifier
func NewVerifier(users UserRepository, balances BalanceSource, enqueuer Enqueuer, recorder metrics.Recorder, logger *slog.Logger) *Verifier {
	return &Verifier{
		users:    users,
		balances: balances,
		enqueuer: enqueuer,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle runs one VerifyTokenHoldings job
func (v *Verifier) Handle(ctx context.Context, p job.VerifyTokenHoldingsPayload) (job.Result, error) {
	wallet := p.WalletAddress
	if wallet == "" {
		user, err := v.users.Get(ctx, p.UserID)
		if err != nil {
			v.metrics.Increment("token.verification_error", nil)
			return job.Result{}, fmt.Errorf("failed to load user %s: %w", p.UserID, err)
		}
		wallet = user.WalletAddress
	}
	if wallet == "" {
		return job.Skipped("no wallet address"), nil
	}

	amount, err := v.balances.GetTokenHoldings(ctx, wallet)
	if err != nil {
		v.metrics.Increment("token.verification_error", nil)
		return job.Result{}, fmt.Errorf("failed to fetch holdings for wallet %s: %w", wallet, err)
	}

	tier := TierFor(amount)
	previous, err := v.users.UpdateHoldings(ctx, UserHoldings{
		UserID:        p.UserID,
		WalletAddress: wallet,
		Amount:        amount,
		Tier:          tier,
		UpdatedAt:     v.now().UTC(),
	})
	if err != nil {
		v.metrics.Increment("token.verification_error", nil)
		return job.Result{}, fmt.Errorf("failed to update holdings for user %s: %w", p.UserID, err)
	}

	v.metrics.Increment("token.tier."+string(tier), nil)
	v.metrics.Observe("token.holdings.amount", amount, nil)

	changed := previous != TierNone && previous != tier
	if changed {
		_, err := v.enqueuer.Enqueue(ctx, job.SendNotificationPayload{
			UserID: p.UserID,
			Type:   NotificationTierChanged,
			Data: map[string]any{
				"previousTier": string(previous),
				"newTier":      string(tier),
				"amount":       amount,
			},
		}, job.WithIdempotencyKey(fmt.Sprintf("holder-tier:%s:%s:%s", p.UserID, previous, tier)))
		if err != nil {
			return job.Result{}, fmt.Errorf("failed to enqueue tier notification for user %s: %w", p.UserID, err)
		}

		v.logger.Info("Holder tier changed",
			slog.String("user_id", p.UserID),
			slog.String("previous_tier", string(previous)),
			slog.String("new_tier", string(tier)),
		)
	}

	return job.Completed(map[string]any{
		"userId":       p.UserID,
		"amount":       amount,
		"tier":         string(tier),
		"previousTier": string(previous),
		"tierChanged":  changed,
	}), nil
}
