package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/battle-orchestrator/internal/api/dto"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
)

// CreateJob handles POST /api/v1/jobs
// Validates the payload against its job type and enqueues it
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	jobType := job.Type(req.Type)
	if !jobType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown job type",
			"type":  req.Type,
		})
		return
	}

	priority, _ := job.ParsePriority(req.Priority)
	opts := []job.Option{job.WithPriority(priority)}
	if req.DelaySeconds > 0 {
		opts = append(opts, job.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(req.RunAt.UTC()))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, job.WithIdempotencyKey(req.IdempotencyKey))
	}

	ctx := c.Request.Context()
	id, err := h.queue.EnqueueRaw(ctx, jobType, req.Payload, opts...)
	if err != nil {
		respondError(c, h.logger, "Failed to create job", err)
		return
	}

	stored, err := h.queue.Get(ctx, id)
	if err != nil {
		respondError(c, h.logger, "Failed to load created job", err)
		return
	}

	h.logger.Info("Job created",
		slog.String("job_id", id),
		slog.String("job_type", req.Type),
	)
	c.JSON(http.StatusAccepted, dto.FromJob(stored))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	j, err := h.queue.Get(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, dto.FromJob(j))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional type/status filters and cursor paging
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Type != "" && !job.Type(req.Type).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown job type"})
		return
	}
	if req.Status != "" && !validStatus(job.Status(req.Status)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown job status"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, next, err := h.queue.List(c.Request.Context(), queue.Filter{
		Type:     job.Type(req.Type),
		Status:   job.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, "Failed to list jobs", err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = dto.FromJob(j)
	}
	if next != nil {
		resp.NextCursor = EncodeJobCursor(next)
	}

	c.JSON(http.StatusOK, resp)
}

// RequeueJob handles POST /api/v1/jobs/:job_id/requeue
// Gives a dead-lettered job a fresh attempt budget
func (h *JobHandler) RequeueJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.queue.Requeue(ctx, jobID); err != nil {
		respondError(c, h.logger, "Failed to requeue job", err)
		return
	}

	j, err := h.queue.Get(ctx, jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to load requeued job", err)
		return
	}
	c.JSON(http.StatusOK, dto.FromJob(j))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Fails a pending job so it never runs. The body is optional.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	var req dto.CancelJobRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid request body",
				"details": err.Error(),
			})
			return
		}
	}

	ctx := c.Request.Context()
	if err := h.queue.Cancel(ctx, jobID, req.Reason); err != nil {
		respondError(c, h.logger, "Failed to cancel job", err)
		return
	}

	j, err := h.queue.Get(ctx, jobID)
	if err != nil {
		respondError(c, h.logger, "Failed to load canceled job", err)
		return
	}
	c.JSON(http.StatusOK, dto.FromJob(j))
}

// Stats handles GET /api/v1/jobs/stats
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to load job stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func validStatus(s job.Status) bool {
	switch s {
	case job.StatusPending, job.StatusRunning, job.StatusCompleted, job.StatusFailed, job.StatusDeadLettered:
		return true
	}
	return false
}
