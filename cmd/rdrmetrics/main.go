// rdrmetrics serves and refreshes the RDR participant metrics cache.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/config"
	"github.com/mkoziy/rdr/metricscache/internal/database"
	"github.com/mkoziy/rdr/metricscache/internal/logging"
	"github.com/mkoziy/rdr/metricscache/internal/migrations"
)

const fstrConfig = "config"

// rootEnv holds the flags shared by every command.
type rootEnv struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	env := &rootEnv{}
	cmd := &cobra.Command{
		Use:           "rdrmetrics",
		Short:         "Participant metrics cache for the Research Data Repository.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&env.configPath, fstrConfig, "", "Path to a YAML config file. Defaults and environment overrides apply when empty.")

	cmd.AddCommand(
		env.serveCmd(),
		env.refreshCmd(),
		env.migrateCmd(),
		env.calendarCmd(),
		env.statusCmd(),
	)
	return cmd
}

// app is an opened configuration, logger and database.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	db     *bun.DB
}

// open loads configuration and opens the database. With migrate set,
// pending migrations are applied first.
func (e *rootEnv) open(ctx context.Context, migrate bool) (*app, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := database.NewDB(database.Options{
		DSN:                cfg.Database.DSN,
		Debug:              cfg.Database.Debug,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
		Logger:             logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	if migrate {
		if err := migrations.RunMigrations(ctx, db, logger); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
