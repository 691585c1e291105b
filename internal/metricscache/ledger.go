package metricscache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

var (
	// ErrNoRunFound is returned when no in-progress ledger row matches.
	ErrNoRunFound = errors.New("no in-progress metrics cache run found")

	// ErrAmbiguousRun is returned when more than one in-progress row matches.
	ErrAmbiguousRun = errors.New("more than one in-progress metrics cache run matched")

	// ErrStageConflict is returned when a compare-and-set transition finds
	// the run in an unexpected state.
	ErrStageConflict = errors.New("metrics cache run is not in the expected state")
)

// JobStatusDAO is the generation ledger. Readers resolve the generation to
// serve through it and never through the cache tables themselves.
type JobStatusDAO struct {
	db           *bun.DB
	carryForward map[CacheType]bool
}

// NewJobStatusDAO builds a ledger. Generations of carry-forward types are
// served only once stage two has completed.
func NewJobStatusDAO(db *bun.DB, carryForward []CacheType) *JobStatusDAO {
	cf := make(map[CacheType]bool, len(carryForward))
	for _, t := range carryForward {
		cf[t] = true
	}
	return &JobStatusDAO{db: db, carryForward: cf}
}

// IsCarryForward reports whether t keeps its history across generations.
func (l *JobStatusDAO) IsCarryForward(t CacheType) bool {
	return l.carryForward[t]
}

// TruncateRunTime normalises a cron time to whole UTC seconds.
func TruncateRunTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Start records a new in-progress generation.
func (l *JobStatusDAO) Start(ctx context.Context, idb bun.IDB, table CacheTable, cacheType CacheType, dateInserted time.Time) (*models.MetricsCacheJobStatus, error) {
	run := &models.MetricsCacheJobStatus{
		RunID:          ulid.Make().String(),
		CacheTableName: string(table),
		Type:           string(cacheType),
		DateInserted:   TruncateRunTime(dateInserted),
		InProgress:     true,
		UpdatedAt:      time.Now().UTC(),
	}
	if _, err := idb.NewInsert().Model(run).Exec(ctx); err != nil {
		return nil, fmt.Errorf("start run for %s/%s: %w", table, cacheType, err)
	}
	return run, nil
}

// FindInProgress returns the single in-progress run of (table, type) whose
// generation is at or after cronjobTime.
func (l *JobStatusDAO) FindInProgress(ctx context.Context, idb bun.IDB, table CacheTable, cacheType CacheType, cronjobTime time.Time) (*models.MetricsCacheJobStatus, error) {
	var runs []*models.MetricsCacheJobStatus
	err := idb.NewSelect().
		Model(&runs).
		Where("js.cache_table_name = ?", string(table)).
		Where("js.type = ?", string(cacheType)).
		Where("js.date_inserted >= ?", TruncateRunTime(cronjobTime)).
		Where("js.in_progress = ?", true).
		Where("js.failed = ?", false).
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("%w: %s/%s since %s", ErrNoRunFound, table, cacheType, cronjobTime.Format(time.RFC3339))
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("%w: %s/%s since %s", ErrAmbiguousRun, table, cacheType, cronjobTime.Format(time.RFC3339))
	}
}

// SetToComplete flips the stage flag of the run started at or after
// cronjobTime. Exactly one in-progress row must match.
func (l *JobStatusDAO) SetToComplete(ctx context.Context, idb bun.IDB, cacheType CacheType, table CacheTable, cronjobTime time.Time, stage Stage) error {
	run, err := l.FindInProgress(ctx, idb, table, cacheType, cronjobTime)
	if err != nil {
		return err
	}
	return l.CompleteStage(ctx, idb, run.RunID, stage)
}

// CompleteStage is a compare-and-set transition on the run id:
// in_progress -> stage one complete -> stage one and two complete. Stage two
// requires stage one and ends the run.
func (l *JobStatusDAO) CompleteStage(ctx context.Context, idb bun.IDB, runID string, stage Stage) error {
	q := idb.NewUpdate().
		Model((*models.MetricsCacheJobStatus)(nil)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("run_id = ?", runID).
		Where("in_progress = ?", true).
		Where("failed = ?", false)

	switch stage {
	case StageOne:
		q = q.Set("stage_one_complete = ?", true).
			Where("stage_one_complete = ?", false)
	case StageTwo:
		q = q.Set("stage_two_complete = ?", true).
			Set("in_progress = ?", false).
			Where("stage_one_complete = ?", true).
			Where("stage_two_complete = ?", false)
	default:
		return fmt.Errorf("unknown stage %d", int(stage))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: run %s %s", ErrStageConflict, runID, stage)
	}
	return nil
}

// MarkFailed ends an in-progress run as failed. The run's rows stay invisible.
func (l *JobStatusDAO) MarkFailed(ctx context.Context, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := l.db.NewUpdate().
		Model((*models.MetricsCacheJobStatus)(nil)).
		Set("failed = ?", true).
		Set("in_progress = ?", false).
		Set("error_message = ?", msg).
		Set("updated_at = ?", time.Now().UTC()).
		Where("run_id = ?", runID).
		Where("in_progress = ?", true).
		Exec(ctx)
	return err
}

// GetLastCompleteDataInsertedTime returns the newest generation of table
// with stage one complete, optionally restricted to a cache type. ok is
// false when there is none.
func (l *JobStatusDAO) GetLastCompleteDataInsertedTime(ctx context.Context, table CacheTable, cacheType *CacheType) (time.Time, bool, error) {
	return l.lastComplete(ctx, table, cacheType, false)
}

// GetLastCompleteStageTwoDataInsertedTime is GetLastCompleteDataInsertedTime
// that also requires stage two.
func (l *JobStatusDAO) GetLastCompleteStageTwoDataInsertedTime(ctx context.Context, table CacheTable, cacheType CacheType) (time.Time, bool, error) {
	return l.lastComplete(ctx, table, &cacheType, true)
}

// ServingGeneration returns the generation readers of (table, type) use.
func (l *JobStatusDAO) ServingGeneration(ctx context.Context, table CacheTable, cacheType CacheType) (time.Time, bool, error) {
	return l.lastComplete(ctx, table, &cacheType, l.carryForward[cacheType])
}

func (l *JobStatusDAO) lastComplete(ctx context.Context, table CacheTable, cacheType *CacheType, stageTwo bool) (time.Time, bool, error) {
	run := new(models.MetricsCacheJobStatus)
	q := l.db.NewSelect().
		Model(run).
		Where("js.cache_table_name = ?", string(table)).
		Where("js.stage_one_complete = ?", true).
		Where("js.failed = ?", false).
		OrderExpr("js.date_inserted DESC").
		OrderExpr("js.id DESC").
		Limit(1)
	if cacheType != nil {
		q = q.Where("js.type = ?", string(*cacheType))
	}
	if stageTwo {
		q = q.Where("js.stage_two_complete = ?", true)
	}

	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return run.DateInserted.UTC(), true, nil
}

// StuckRuns lists in-progress runs whose generation predates olderThan.
func (l *JobStatusDAO) StuckRuns(ctx context.Context, olderThan time.Time) ([]*models.MetricsCacheJobStatus, error) {
	var runs []*models.MetricsCacheJobStatus
	err := l.db.NewSelect().
		Model(&runs).
		Where("js.in_progress = ?", true).
		Where("js.failed = ?", false).
		Where("js.date_inserted < ?", TruncateRunTime(olderThan)).
		OrderExpr("js.date_inserted ASC").
		Scan(ctx)
	return runs, err
}

// Recent lists the newest ledger rows, newest first.
func (l *JobStatusDAO) Recent(ctx context.Context, limit int) ([]*models.MetricsCacheJobStatus, error) {
	var runs []*models.MetricsCacheJobStatus
	err := l.db.NewSelect().
		Model(&runs).
		OrderExpr("js.date_inserted DESC").
		OrderExpr("js.id DESC").
		Limit(limit).
		Scan(ctx)
	return runs, err
}

// DeleteOlderThan removes finished ledger rows older than cutoff that have
// been superseded by a newer fully complete generation of the same table
// and type.
func (l *JobStatusDAO) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.NewDelete().
		TableExpr("metrics_cache_job_status").
		Where("date_inserted < ?", TruncateRunTime(cutoff)).
		Where("in_progress = ?", false).
		Where(`EXISTS (SELECT 1 FROM metrics_cache_job_status AS n
			WHERE n.cache_table_name = metrics_cache_job_status.cache_table_name
			AND n.type = metrics_cache_job_status.type
			AND n.stage_two_complete = ?
			AND n.failed = ?
			AND n.date_inserted > metrics_cache_job_status.date_inserted)`, true, false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
