package metricscache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap/zaptest"

	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/repositories"
	"github.com/mkoziy/rdr/metricscache/internal/testutil"
)

type testEnv struct {
	*testutil.Fixture
	ledger   *JobStatusDAO
	staging  *StagingBuilder
	codebook *Codebook
	codes    *repositories.CodeLookup
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	f := testutil.Seed(t)
	cb, err := DefaultCodebook()
	require.NoError(t, err)
	return &testEnv{
		Fixture:  f,
		ledger:   NewJobStatusDAO(f.DB, []CacheType{PublicMetricsExportAPI}),
		staging:  NewStagingBuilder(f.DB, zaptest.NewLogger(t), 2),
		codebook: cb,
		codes:    repositories.NewCodeLookup(f.DB),
	}
}

var genOne = time.Date(2018, 4, 1, 3, 0, 0, 0, time.UTC)

// build stages every awardee and writes one fully complete generation of
// dao over [start, end].
func (e *testEnv) build(t *testing.T, dao CacheDAO, start, end string, ts time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.staging.Build(ctx))
	t.Cleanup(func() { _ = e.staging.Clean(context.Background()) })

	run, err := e.ledger.Start(ctx, e.DB, dao.Table(), dao.Type(), ts)
	require.NoError(t, err)

	stmts := e.statements(t, dao, start, end, ts)
	err = e.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, s := range stmts {
			if _, err := s.Exec(ctx, tx); err != nil {
				return err
			}
		}
		if err := e.ledger.CompleteStage(ctx, tx, run.RunID, StageOne); err != nil {
			return err
		}
		return e.ledger.CompleteStage(ctx, tx, run.RunID, StageTwo)
	})
	require.NoError(t, err)
}

func (e *testEnv) statements(t *testing.T, dao CacheDAO, start, end string, ts time.Time) []Statement {
	t.Helper()
	var out []Statement
	for _, hpo := range e.staging.Awardees() {
		s, err := dao.MetricsCacheSQL(context.Background(), hpo, BuildParams{
			Start:        models.MustParseDate(start),
			End:          models.MustParseDate(end),
			DateInserted: ts,
		})
		require.NoError(t, err)
		out = append(out, s...)
	}
	return out
}

func filters(start, end string) Filters {
	return Filters{
		Start:   models.MustParseDate(start),
		End:     models.MustParseDate(end),
		Version: APIVersion2,
	}
}

// rowFor returns the metrics of the (date, hpo) row.
func rowFor(t *testing.T, rows []MetricsRow, date, hpo string) map[string]interface{} {
	t.Helper()
	for _, r := range rows {
		if r.Date.String() == date && r.HPO == hpo {
			return r.Metrics
		}
	}
	t.Fatalf("no row for %s/%q in %d rows", date, hpo, len(rows))
	return nil
}

func (e *testEnv) cacheRows(t *testing.T, table CacheTable, ts time.Time) int {
	t.Helper()
	n, err := e.DB.NewSelect().
		TableExpr("?", bun.Ident(string(table))).
		Where("date_inserted = ?", TruncateRunTime(ts)).
		Count(context.Background())
	require.NoError(t, err)
	return n
}
