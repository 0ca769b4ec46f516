// Package app assembles the queue, repositories and job handlers shared by
// the api-service, worker-service and jobctl binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/battle-orchestrator/internal/battle"
	"github.com/cuongbtq/battle-orchestrator/internal/broker"
	"github.com/cuongbtq/battle-orchestrator/internal/config"
	"github.com/cuongbtq/battle-orchestrator/internal/content"
	"github.com/cuongbtq/battle-orchestrator/internal/holdings"
	"github.com/cuongbtq/battle-orchestrator/internal/job"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/internal/notification"
	"github.com/cuongbtq/battle-orchestrator/internal/queue"
	"github.com/cuongbtq/battle-orchestrator/internal/queue/storage"
	"github.com/cuongbtq/battle-orchestrator/internal/repository"
	"github.com/cuongbtq/battle-orchestrator/internal/worker"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
)

// Options holds the process-level dependencies. RabbitMQ may be nil, in
// which case job-ready hints and dead-letter alerts are disabled.
type Options struct {
	Config   *config.Config
	DB       *sqlx.DB
	RabbitMQ *rabbitmq.Client
	Metrics  metrics.Recorder
	Logger   *slog.Logger
}

// App is the assembled core of the system
type App struct {
	Queue    *queue.Service
	Store    *storage.Storage
	Battles  *repository.BattleRepository
	Contents *repository.ContentRepository
	Users    *repository.UserRepository

	cfg     *config.Config
	db      *sqlx.DB
	rabbit  *rabbitmq.Client
	metrics metrics.Recorder
	logger  *slog.Logger
}

// New wires the queue service and repositories on top of db
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("app config is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("app database is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	store := storage.NewStorage(opts.DB, logger.With(slog.String("component", "queue-store")))

	qcfg := &queue.Config{
		Store:              store,
		Logger:             logger.With(slog.String("component", "queue")),
		Metrics:            recorder,
		Backoff:            queue.NewBackoff(opts.Config.Queue.BackoffBase, opts.Config.Queue.BackoffMax),
		DefaultMaxAttempts: opts.Config.Queue.MaxAttempts,
		Lease:              opts.Config.Queue.LeaseTimeout,
	}
	if opts.RabbitMQ != nil {
		qcfg.Signaler = broker.NewSignaler(opts.RabbitMQ)
		qcfg.Alerter = broker.NewAlerter(opts.RabbitMQ, logger.With(slog.String("component", "alerter")))
	}

	return &App{
		Queue:    queue.NewService(qcfg),
		Store:    store,
		Battles:  repository.NewBattleRepository(opts.DB),
		Contents: repository.NewContentRepository(opts.DB),
		Users:    repository.NewUserRepository(opts.DB),
		cfg:      opts.Config,
		db:       opts.DB,
		rabbit:   opts.RabbitMQ,
		metrics:  recorder,
		logger:   logger,
	}, nil
}

// Migrate creates the jobs table and the domain tables
func (a *App) Migrate(ctx context.Context) error {
	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate job tables: %w", err)
	}
	if err := repository.Migrate(ctx, a.db); err != nil {
		return fmt.Errorf("failed to migrate domain tables: %w", err)
	}
	a.logger.Info("Database schema is up to date")
	return nil
}

// Handlers overrides the external collaborators of the job handlers.
// Nil fields fall back to the RabbitMQ adapters and the configured
// balance service.
type Handlers struct {
	Sender   notification.Sender
	Ledger   battle.Ledger
	Balances holdings.BalanceSource
}

// Registry builds the handler registry for every job type
func (a *App) Registry(h Handlers) (*worker.Registry, error) {
	if h.Sender == nil {
		if a.rabbit == nil {
			return nil, fmt.Errorf("notification sender requires rabbitmq")
		}
		h.Sender = notification.NewAMQPSender(a.rabbit, a.component("notification-sender"))
	}
	if h.Ledger == nil {
		if a.rabbit == nil {
			return nil, fmt.Errorf("reward ledger requires rabbitmq")
		}
		h.Ledger = broker.NewLedger(a.rabbit, a.component("ledger"))
	}
	if h.Balances == nil {
		h.Balances = holdings.NewHTTPBalanceSource(holdings.HTTPConfig{
			BaseURL: a.cfg.Holdings.BalanceURL,
			APIKey:  a.cfg.Holdings.APIKey,
			Timeout: a.cfg.Holdings.Timeout,
		}, a.component("balance-client"))
	}

	lifecycle := battle.NewLifecycle(a.Battles, a.Queue, a.metrics, a.component("battle-lifecycle"))
	results := battle.NewResultsCalculator(a.Battles, a.Queue, a.metrics, a.component("battle-results"))
	rewards := battle.NewRewardProcessor(a.Battles, h.Ledger, a.Queue, a.cfg.Rewards.Amounts, a.metrics, a.component("battle-rewards"))
	pipeline := content.NewPipeline(a.Contents, nil, a.metrics, a.component("content-pipeline"))
	dispatcher := notification.NewDispatcher(h.Sender, a.metrics, a.component("notification"))
	verifier := holdings.NewVerifier(a.Users, h.Balances, a.Queue, a.metrics, a.component("holdings-verifier"))

	return worker.NewRegistry(
		worker.Handle[job.ProcessContentPayload](pipeline.Handle),
		worker.Handle[job.UpdateBattleStatePayload](lifecycle.Handle),
		worker.Handle[job.CalculateBattleResultsPayload](results.Handle),
		worker.Handle[job.ProcessBattleRewardsPayload](rewards.Handle),
		worker.Handle[job.SendNotificationPayload](dispatcher.Handle),
		worker.Handle[job.VerifyTokenHoldingsPayload](verifier.Handle),
	)
}

func (a *App) component(name string) *slog.Logger {
	return a.logger.With(slog.String("component", name))
}
