package models

import (
	"time"

	"github.com/uptrace/bun"
)

// JobState is the derived lifecycle state of a cache generation.
type JobState string

const (
	JobStateInProgress     JobState = "in_progress"
	JobStateStageOne       JobState = "stage1_complete"
	JobStateStageOneAndTwo JobState = "stage1_and_stage2_complete"
	JobStateFailed         JobState = "failed"
)

// MetricsCacheJobStatus is one ledger row per (cache table, cache type,
// generation timestamp).
type MetricsCacheJobStatus struct {
	bun.BaseModel `bun:"table:metrics_cache_job_status,alias:js"`

	ID               int64     `bun:"id,pk,autoincrement" json:"id"`
	RunID            string    `bun:"run_id,unique,notnull" json:"run_id"`
	CacheTableName   string    `bun:"cache_table_name,notnull" json:"cache_table_name"`
	Type             string    `bun:"type,notnull" json:"type"`
	DateInserted     time.Time `bun:"date_inserted,notnull" json:"date_inserted"`
	InProgress       bool      `bun:"in_progress,notnull" json:"in_progress"`
	StageOneComplete bool      `bun:"stage_one_complete,notnull" json:"stage_one_complete"`
	StageTwoComplete bool      `bun:"stage_two_complete,notnull" json:"stage_two_complete"`
	Failed           bool      `bun:"failed,notnull" json:"failed"`
	ErrorMessage     *string   `bun:"error_message" json:"error_message,omitempty"`
	UpdatedAt        time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// State folds the flag columns into a single state.
func (j *MetricsCacheJobStatus) State() JobState {
	switch {
	case j.Failed:
		return JobStateFailed
	case j.StageOneComplete && j.StageTwoComplete:
		return JobStateStageOneAndTwo
	case j.StageOneComplete:
		return JobStateStageOne
	default:
		return JobStateInProgress
	}
}
