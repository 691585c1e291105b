package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx.create); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, "DROP INDEX IF EXISTS "+idx.name); err != nil {
				return err
			}
		}
		return nil
	})
}

type index struct {
	name   string
	create string
}

var indexes = []index{
	{"idx_participant_hpo", "CREATE INDEX IF NOT EXISTS idx_participant_hpo ON participant(hpo_id)"},
	{"idx_participant_summary_hpo", "CREATE INDEX IF NOT EXISTS idx_participant_summary_hpo ON participant_summary(hpo_id)"},
	{"idx_gender_answers_participant", "CREATE INDEX IF NOT EXISTS idx_gender_answers_participant ON participant_gender_answers(participant_id)"},
	{"idx_race_answers_participant", "CREATE INDEX IF NOT EXISTS idx_race_answers_participant ON participant_race_answers(participant_id)"},
	{"idx_job_status_lookup", "CREATE INDEX IF NOT EXISTS idx_job_status_lookup ON metrics_cache_job_status(cache_table_name, type, date_inserted)"},
	{"idx_enrollment_cache_gen", "CREATE INDEX IF NOT EXISTS idx_enrollment_cache_gen ON metrics_enrollment_status_cache(type, date_inserted, date, hpo_id)"},
	{"idx_gender_cache_gen", "CREATE INDEX IF NOT EXISTS idx_gender_cache_gen ON metrics_gender_cache(type, date_inserted, date, hpo_id)"},
	{"idx_age_cache_gen", "CREATE INDEX IF NOT EXISTS idx_age_cache_gen ON metrics_age_cache(type, date_inserted, date, hpo_id)"},
	{"idx_race_cache_gen", "CREATE INDEX IF NOT EXISTS idx_race_cache_gen ON metrics_race_cache(type, date_inserted, date, hpo_id)"},
	{"idx_region_cache_gen", "CREATE INDEX IF NOT EXISTS idx_region_cache_gen ON metrics_region_cache(type, date_inserted, date, hpo_id)"},
	{"idx_language_cache_gen", "CREATE INDEX IF NOT EXISTS idx_language_cache_gen ON metrics_language_cache(type, date_inserted, date, hpo_id)"},
	{"idx_lifecycle_cache_gen", "CREATE INDEX IF NOT EXISTS idx_lifecycle_cache_gen ON metrics_lifecycle_cache(type, date_inserted, date, hpo_id)"},
}
