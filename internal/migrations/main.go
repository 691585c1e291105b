package migrations

import (
	"context"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

var Migrations = migrate.NewMigrations()

func schemaModels() []interface{} {
	list := []interface{}{
		(*models.CalendarDay)(nil),
		(*models.HPO)(nil),
		(*models.Site)(nil),
		(*models.Code)(nil),
		(*models.Participant)(nil),
		(*models.ParticipantSummary)(nil),
		(*models.ParticipantGenderAnswer)(nil),
		(*models.ParticipantRaceAnswer)(nil),
		(*models.MetricsCacheJobStatus)(nil),
	}
	return append(list, models.CacheModels()...)
}

// RunMigrations runs all pending migrations.
func RunMigrations(ctx context.Context, db *bun.DB, logger *zap.Logger) error {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		logger.Info("no new migrations to run")
		return nil
	}

	logger.Info("migrated", zap.String("group", group.String()))
	return nil
}

// Rollback reverts the last applied migration group.
func Rollback(ctx context.Context, db *bun.DB, logger *zap.Logger) error {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return err
	}

	if group.IsZero() {
		logger.Info("no migrations to roll back")
		return nil
	}

	logger.Info("rolled back", zap.String("group", group.String()))
	return nil
}
