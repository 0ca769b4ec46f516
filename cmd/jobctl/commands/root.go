// Package commands implements the jobctl operator CLI
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/battle-orchestrator/internal/app"
	"github.com/cuongbtq/battle-orchestrator/internal/config"
	"github.com/cuongbtq/battle-orchestrator/shared/database"
	"github.com/cuongbtq/battle-orchestrator/shared/logger"
	"github.com/cuongbtq/battle-orchestrator/shared/rabbitmq"
)

// Opener builds the application from the config file at path. The
// returned close func releases its connections.
type Opener func(ctx context.Context, path string) (*app.App, func(), error)

// NewRootCmd creates the root command
func NewRootCmd(open Opener) *cobra.Command {
	defaultConfigPath := os.Getenv("JOBCTL_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}

	var configPath string
	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Inspect and operate the battle job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")

	withApp := func(cmd *cobra.Command, fn func(a *app.App) error) error {
		a, closeFn, err := open(cmd.Context(), configPath)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(a)
	}

	rootCmd.AddCommand(
		newEnqueueCommand(withApp),
		newGetCommand(withApp),
		newListCommand(withApp),
		newRequeueCommand(withApp),
		newCancelCommand(withApp),
		newStatsCommand(withApp),
		newMigrateCommand(withApp),
	)

	return rootCmd
}

type appRunner func(cmd *cobra.Command, fn func(a *app.App) error) error

// OpenFromConfig connects to the database, and to RabbitMQ when enabled,
// as described by the config file
func OpenFromConfig(_ context.Context, path string) (*app.App, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// keep stdout for command output
	logCfg := cfg.LoggerConfig()
	logCfg.Output = "stderr"
	logCfg.Level = "warn"
	appLogger, err := logger.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := database.NewClient(cfg.DatabaseClientConfig(), appLogger.Component("database"))
	if err != nil {
		return nil, nil, err
	}

	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = rabbitmq.NewClient(cfg.RabbitMQClientConfig(), appLogger.Component("rabbitmq"))
		if err != nil {
			appLogger.Warn("RabbitMQ unavailable, workers will pick jobs up by polling",
				slog.String("error", err.Error()))
			rabbitClient = nil
		}
	}

	a, err := app.New(app.Options{
		Config:   cfg,
		DB:       dbClient.GetDB(),
		RabbitMQ: rabbitClient,
		Logger:   appLogger.Logger,
	})
	if err != nil {
		_ = dbClient.Close()
		return nil, nil, err
	}

	closeFn := func() {
		if rabbitClient != nil {
			_ = rabbitClient.Close()
		}
		_ = dbClient.Close()
		_ = appLogger.Close()
	}
	return a, closeFn, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
