package metricscache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/testutil"
)

func TestReadersIgnoreUnfinishedGenerations(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)
	ctx := context.Background()

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleStored)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)

	// a newer run writes rows but never completes
	e.Insert(t, testutil.Participant(20, testutil.PittID, "2018-01-01"))
	require.NoError(t, e.staging.Build(ctx))
	next := genOne.Add(24 * time.Hour)
	run, err := e.ledger.Start(ctx, e.DB, dao.Table(), dao.Type(), next)
	require.NoError(t, err)
	for _, s := range e.statements(t, dao, "2018-01-01", "2018-01-10", next) {
		_, err := s.Exec(ctx, e.DB)
		require.NoError(t, err)
	}
	require.Greater(t, e.cacheRows(t, TableEnrollmentStatus, next), 0)

	rows, err := dao.GetLatestVersionFromCache(ctx, filters("2018-01-01", "2018-01-01"))
	require.NoError(t, err)
	require.Equal(t, int64(1), rowFor(t, rows, "2018-01-01", "PITT")["registered"])

	require.NoError(t, e.ledger.MarkFailed(ctx, run.RunID, errors.New("boom")))
	rows, err = dao.GetLatestVersionFromCache(ctx, filters("2018-01-01", "2018-01-01"))
	require.NoError(t, err)
	require.Equal(t, int64(1), rowFor(t, rows, "2018-01-01", "PITT")["registered"])
}

func TestDeleteOldRecords(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)
	ctx := context.Background()

	dao, err := NewGenderDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleStored, e.codebook, e.codes)
	require.NoError(t, err)

	// nothing served yet: nothing to collect
	n, err := dao.DeleteOldRecords(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, n)

	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)
	threeDays := genOne.Add(3 * 24 * time.Hour)
	e.build(t, dao, "2018-01-01", "2018-01-10", threeDays)

	n, err = dao.DeleteOldRecords(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Greater(t, e.cacheRows(t, TableGender, genOne), 0)

	eightDays := genOne.Add(8 * 24 * time.Hour)
	e.build(t, dao, "2018-01-01", "2018-01-10", eightDays)

	n, err = dao.DeleteOldRecords(ctx, 7)
	require.NoError(t, err)
	require.Greater(t, n, int64(0))
	require.Zero(t, e.cacheRows(t, TableGender, genOne))
	require.Greater(t, e.cacheRows(t, TableGender, threeDays), 0)
	require.Greater(t, e.cacheRows(t, TableGender, eightDays), 0)
}

func TestUpdateHistoricalCacheDataCopies(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)
	ctx := context.Background()

	dao, err := NewAgeDAO(e.DB, e.ledger, string(PublicMetricsExportAPI), CoreSampleStored, e.codebook)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)
	before := e.cacheRows(t, TableAge, genOne)

	next := genOne.Add(24 * time.Hour)
	n, err := dao.UpdateHistoricalCacheData(ctx, e.DB, next, genOne,
		models.MustParseDate("2018-01-01"), models.MustParseDate("2018-01-04"))
	require.NoError(t, err)
	require.Greater(t, n, int64(0))

	require.Equal(t, before, e.cacheRows(t, TableAge, genOne), "source generation untouched")
	require.Equal(t, int(n), e.cacheRows(t, TableAge, next))

	var maxDate models.Date
	err = e.DB.NewSelect().
		TableExpr("metrics_age_cache").
		ColumnExpr("MAX(date)").
		Where("date_inserted = ?", TruncateRunTime(next)).
		Scan(ctx, &maxDate)
	require.NoError(t, err)
	require.Equal(t, "2018-01-04", maxDate.String())
}
