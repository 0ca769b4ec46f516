package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/battle-orchestrator/internal/app"
	"github.com/cuongbtq/battle-orchestrator/internal/config"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/internal/sweeper"
	"github.com/cuongbtq/battle-orchestrator/internal/worker"
	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/cuongbtq/battle-orchestrator/shared/logger"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
	"github.com/cuongbtq/battle-orchestrator/shared/tracing"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	shutdownTracing, err := tracing.Setup(context.Background(), cfg.TracingSetupConfig(cfg.App.Name+"-worker"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			appLogger.Warn("Failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	dbClient, err := database.NewClient(cfg.DatabaseClientConfig(), appLogger.Component("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := rabbitmq.NewClient(cfg.RabbitMQClientConfig(), appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	recorder := metrics.NewPrometheus(&metrics.PrometheusConfig{
		Namespace:  cfg.Metrics.Namespace,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     appLogger.Component("metrics"),
	})

	core, err := app.New(app.Options{
		Config:   cfg,
		DB:       dbClient.GetDB(),
		RabbitMQ: rabbitClient,
		Metrics:  recorder,
		Logger:   appLogger.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble application: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := core.Migrate(context.Background()); err != nil {
			return err
		}
	}

	registry, err := core.Registry(app.Handlers{})
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}

	workerInstance, err := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Component("worker"),
		Queue:         core.Queue,
		Registry:      registry,
		Metrics:       recorder,
		RabbitClient:  rabbitClient,
		WorkerID:      cfg.Worker.ID,
		Concurrency:   cfg.Worker.Concurrency,
		JobTimeout:    cfg.Worker.JobTimeout,
		PollInterval:  cfg.Worker.PollInterval,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	sweepCfg := &sweeper.Config{
		Enqueuer:  core.Queue,
		Reaper:    core.Queue,
		Metrics:   recorder,
		Logger:    appLogger.Component("sweeper"),
		Schedule:  cfg.Sweeper.Schedule,
		BatchSize: cfg.Sweeper.BatchSize,
	}
	if cfg.Sweeper.Enabled {
		sweepCfg.Battles = core.Battles
	}
	sweep, err := sweeper.New(sweepCfg)
	if err != nil {
		return err
	}
	g.Go(func() error {
		return sweep.Run(gctx)
	})

	if cfg.Metrics.Enabled {
		srv := newMetricsServer(cfg.Metrics)
		g.Go(func() error {
			appLogger.Info("Metrics server listening", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	appLogger.Info("Worker service started successfully")

	<-gctx.Done()
	appLogger.Info("Shutting down gracefully")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker service stopped with error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func newMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
