package metricscache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/testutil"
)

func stagingTables(t *testing.T, db *bun.DB) []string {
	t.Helper()
	var names []string
	err := db.NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name",
		stagingTablePrefix+"%",
	).Scan(context.Background(), &names)
	require.NoError(t, err)
	return names
}

func TestStagingBuildAndClean(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)
	ctx := context.Background()

	require.NoError(t, e.staging.Build(ctx))
	require.Equal(t, []string{
		"metrics_tmp_participant_1",
		"metrics_tmp_participant_2",
		"metrics_tmp_participant_origin",
	}, stagingTables(t, e.DB))

	awardees := e.staging.Awardees()
	require.Len(t, awardees, 2)
	for _, a := range awardees {
		require.False(t, a.IsTest())
	}

	var ids []int64
	err := e.DB.NewSelect().
		TableExpr("?", bun.Ident(StagingTableName(testutil.PittID))).
		ColumnExpr("participant_id").
		OrderExpr("participant_id ASC").
		Scan(ctx, &ids)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids, "ghost, withdrawn and test-email participants are excluded")

	// a rebuild replaces tables rather than appending
	require.NoError(t, e.staging.Build(ctx))
	n, err := e.DB.NewSelect().TableExpr("?", bun.Ident(StagingTableName(testutil.TucsonID))).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, e.staging.Clean(ctx))
	require.Equal(t, []string{OriginLookupTable}, stagingTables(t, e.DB))
	require.Empty(t, e.staging.Awardees())
}

func TestStagingCleanDropsOrphans(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.DB.ExecContext(ctx, "CREATE TABLE ? (participant_id INTEGER)", bun.Ident(StagingTableName(42)))
	require.NoError(t, err)

	require.NoError(t, e.staging.Clean(ctx))
	require.Empty(t, stagingTables(t, e.DB))
}

func TestParticipantOrigins(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)
	ctx := context.Background()
	dao := NewParticipantOriginDAO(e.DB)

	// before any refresh the participant table answers
	origins, err := dao.GetParticipantOrigins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{string(models.OriginCareEvolution), string(models.OriginVibrent)}, origins)

	require.NoError(t, e.staging.Build(ctx))
	require.NoError(t, e.staging.Clean(ctx))

	origins, err = dao.GetParticipantOrigins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{string(models.OriginCareEvolution), string(models.OriginVibrent)}, origins)
}

func TestSitesCount(t *testing.T) {
	e := newTestEnv(t)

	n, err := NewSitesDAO(e.DB).GetSitesCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
