package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/battle-orchestrator/internal/api/dto"
	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
)

// RefreshBattle handles POST /api/v1/battles/:battle_id/refresh
// Asks the lifecycle manager to re-evaluate the battle now. The job shares
// its idempotency key with the scheduled state update, so a refresh
// collapses into any update already waiting for the same boundary.
func (h *TriggerHandler) RefreshBattle(c *gin.Context) {
	battleID := c.Param("battle_id")
	ctx := c.Request.Context()

	b, err := h.battles.Get(ctx, battleID)
	if err != nil {
		respondError(c, h.logger, "Failed to load battle", err)
		return
	}

	key := battle.StateKey(b.ID, b.Status)
	if next, _, ok := battle.NextBoundary(b); ok {
		key = battle.StateKey(b.ID, next)
	}

	payload := job.UpdateBattleStatePayload{BattleID: b.ID}
	id, err := h.queue.Enqueue(ctx, payload,
		job.WithPriority(job.PriorityHigh),
		job.WithIdempotencyKey(key),
	)
	if err != nil {
		respondError(c, h.logger, "Failed to enqueue battle refresh", err)
		return
	}

	h.logger.Info("Battle refresh enqueued",
		slog.String("battle_id", b.ID),
		slog.String("status", string(b.Status)),
		slog.String("job_id", id),
	)
	c.JSON(http.StatusAccepted, dto.EnqueuedResponse{JobID: id, JobType: string(payload.JobType())})
}

// ProcessContent handles POST /api/v1/contents/:content_id/process
func (h *TriggerHandler) ProcessContent(c *gin.Context) {
	contentID := c.Param("content_id")
	ctx := c.Request.Context()

	item, err := h.contents.Get(ctx, contentID)
	if err != nil {
		respondError(c, h.logger, "Failed to load content", err)
		return
	}

	payload := job.ProcessContentPayload{ContentID: item.ID}
	id, err := h.queue.Enqueue(ctx, payload, job.WithIdempotencyKey("process-content:"+item.ID))
	if err != nil {
		respondError(c, h.logger, "Failed to enqueue content processing", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueuedResponse{JobID: id, JobType: string(payload.JobType())})
}

// VerifyHoldings handles POST /api/v1/users/:user_id/holdings/verify
// The body is optional; without a wallet address the stored one is used.
func (h *TriggerHandler) VerifyHoldings(c *gin.Context) {
	userID := c.Param("user_id")
	ctx := c.Request.Context()

	var req dto.VerifyHoldingsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if _, err := h.users.Get(ctx, userID); err != nil {
		respondError(c, h.logger, "Failed to load user", err)
		return
	}

	payload := job.VerifyTokenHoldingsPayload{UserID: userID, WalletAddress: req.WalletAddress}
	id, err := h.queue.Enqueue(ctx, payload, job.WithIdempotencyKey("verify-holdings:"+userID))
	if err != nil {
		respondError(c, h.logger, "Failed to enqueue holdings verification", err)
		return
	}

	c.JSON(http.StatusAccepted, dto.EnqueuedResponse{JobID: id, JobType: string(payload.JobType())})
}
