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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/battle-orchestrator/internal/api/handler"
	"github.com/cuongbtq/battle-orchestrator/internal/api/router"
	"github.com/cuongbtq/battle-orchestrator/internal/app"
	"github.com/cuongbtq/battle-orchestrator/internal/config"
	"github.com/cuongbtq/battle-orchestrator/internal/metrics"
	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/cuongbtq/battle-orchestrator/shared/logger"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := database.NewClient(cfg.DatabaseClientConfig(), appLogger.Component("database"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := initRabbitMQ(cfg, appLogger.Component("rabbitmq"))
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()
	}

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

	r := initRouter(cfg, appLogger.Logger, dbClient, core)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRabbitMQ connects to RabbitMQ when it is enabled
func initRabbitMQ(cfg *config.Config, logger *slog.Logger) (*rabbitmq.Client, error) {
	if !cfg.RabbitMQ.Enabled {
		logger.Info("RabbitMQ disabled, job-ready hints and dead-letter alerts are off")
		return nil, nil
	}
	return rabbitmq.NewClient(cfg.RabbitMQClientConfig(), logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *database.Client, core *app.App) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:   logger.With(slog.String("component", "api")),
		Queue:    core.Queue,
		Battles:  core.Battles,
		Contents: core.Contents,
		Users:    core.Users,
	}

	opts := router.Options{
		ServiceName: cfg.App.Name,
		Database:    dbClient.GetDB(),
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = promhttp.Handler()
	}

	return router.SetupRouter(handlerDeps, opts)
}
