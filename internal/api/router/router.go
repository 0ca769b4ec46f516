package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/battle-orchestrator/internal/api/handler"
)

// Pinger reports whether a backing service is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Options holds what the router serves besides the handlers
type Options struct {
	ServiceName string
	Database    Pinger
	Metrics     http.Handler // nil disables /metrics
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(opts))
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	jobHandler := handler.NewJobHandler(deps)
	triggerHandler := handler.NewTriggerHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/stats", jobHandler.Stats)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/requeue", jobHandler.RequeueJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		v1.POST("/battles/:battle_id/refresh", triggerHandler.RefreshBattle)
		v1.POST("/contents/:content_id/process", triggerHandler.ProcessContent)
		v1.POST("/users/:user_id/holdings/verify", triggerHandler.VerifyHoldings)
	}

	return r
}

func healthHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Database != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Database.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": opts.ServiceName,
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.ServiceName,
		})
	}
}
