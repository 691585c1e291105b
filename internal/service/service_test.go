package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/repositories"
	"github.com/mkoziy/rdr/metricscache/internal/testutil"
)

func testOptions() Options {
	return Options{
		HistoryStart:              testutil.CalendarStart,
		RecentWindowDays:          10,
		CoreSampleTime:            metricscache.CoreSampleStored,
		StagingWorkers:            2,
		DefaultRetentionDays:      7,
		CarryForwardRetentionDays: 30,
		CarryForwardTypes:         []metricscache.CacheType{metricscache.PublicMetricsExportAPI},
		MaxLiveDays:               30,
		MaxHistoryDays:            600,
	}
}

func newTestService(t *testing.T) (*ParticipantCountsOverTime, *testutil.Fixture) {
	t.Helper()
	f := testutil.Seed(t)
	s, err := New(f.DB, zaptest.NewLogger(t), testOptions())
	require.NoError(t, err)
	return s, f
}

// seed stores three counted participants: two at PITT, one at AZ_TUCSON.
func seed(t *testing.T, f *testutil.Fixture) {
	p1 := testutil.Participant(1, testutil.PittID, "2018-01-01")
	p1.Summary.ConsentForStudyEnrollmentTime = testutil.At("2018-01-03")
	p1.Summary.EnrollmentStatusMemberTime = testutil.At("2018-01-05")
	p1.Summary.EnrollmentStatusCoreStoredSampleTime = testutil.At("2018-01-07")

	p2 := testutil.Participant(2, testutil.PittID, "2018-01-02")

	p3 := testutil.Participant(3, testutil.TucsonID, "2018-01-01")
	p3.Summary.ConsentForStudyEnrollmentTime = testutil.At("2018-01-02")
	p3.Summary.ConsentForElectronicHealthRecordsTime = testutil.At("2018-01-02")
	p3.Participant.ParticipantOrigin = models.OriginCareEvolution
	p3.Summary.ParticipantOrigin = models.OriginCareEvolution

	f.Insert(t, p1, p2, p3)
}

func metricsOn(t *testing.T, rows []metricscache.MetricsRow, date, hpo string) map[string]interface{} {
	t.Helper()
	for _, r := range rows {
		if r.Date.String() == date && r.HPO == hpo {
			return r.Metrics
		}
	}
	t.Fatalf("no row for %s/%q in %v", date, hpo, rows)
	return nil
}

func stagingTables(t *testing.T, s *ParticipantCountsOverTime) []string {
	t.Helper()
	var names []string
	err := s.db.NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name",
		"metrics_tmp_%",
	).Scan(context.Background(), &names)
	require.NoError(t, err)
	return names
}

func TestRunRefreshCycle(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)
	ctx := context.Background()

	require.NoError(t, s.RunRefreshCycle(ctx, testutil.At("2018-01-10")))
	require.Equal(t, []string{metricscache.OriginLookupTable}, stagingTables(t, s))

	runs, err := s.Ledger().Recent(ctx, 50)
	require.NoError(t, err)
	require.Len(t, runs, 12, "seven V2 dimensions and five public ones")
	for _, r := range runs {
		require.Equal(t, models.JobStateStageOneAndTwo, r.State(), "%s/%s", r.CacheTableName, r.Type)
	}

	rows, err := s.GetFilteredResults(ctx, FilterParams{
		Stratification: "TOTAL", StartDate: "2018-01-01", EndDate: "2018-01-08", History: true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), metricsOn(t, rows, "2018-01-01", "")["TOTAL"])
	require.Equal(t, int64(3), metricsOn(t, rows, "2018-01-02", "")["TOTAL"])

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "ENROLLMENT_STATUS", StartDate: "2018-01-07", EndDate: "2018-01-07",
		History: true, Version: "2", Awardees: []string{"PITT"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{
		"registered": int64(1), "participant": int64(0), "fully_consented": int64(0), "core_participant": int64(1),
	}, metricsOn(t, rows, "2018-01-07", "PITT"))

	// the older history was filled in by stage two
	rows, err = s.GetPublicMetrics(ctx, PublicParams{
		Stratification: "ENROLLMENT_STATUS", StartDate: "2017-12-20", EndDate: "2018-01-05",
	})
	require.NoError(t, err)
	require.Len(t, rows, 17)
	require.Equal(t, map[string]interface{}{
		"registered": int64(0), "consented": int64(0), "core": int64(0),
	}, metricsOn(t, rows, "2017-12-20", ""))
	require.Equal(t, map[string]interface{}{
		"registered": int64(2), "consented": int64(1), "core": int64(0),
	}, metricsOn(t, rows, "2018-01-05", ""))
}

func TestRefreshCarriesPublicHistoryForward(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)
	ctx := context.Background()

	require.NoError(t, s.RunRefreshCycle(ctx, testutil.At("2018-01-10")))

	// a late arrival whose sign up falls in the carried history
	f.Insert(t, testutil.Participant(9, testutil.PittID, "2017-12-05"))
	require.NoError(t, s.RunRefreshCycle(ctx, testutil.At("2018-01-11")))

	public, err := s.GetPublicMetrics(ctx, PublicParams{
		Stratification: "ENROLLMENT_STATUS", StartDate: "2017-12-10", EndDate: "2018-01-06",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), metricsOn(t, public, "2017-12-10", "")["registered"], "history is copied, not recomputed")
	require.Equal(t, int64(3), metricsOn(t, public, "2018-01-06", "")["registered"], "recent window sees the new participant")

	v2, err := s.GetFilteredResults(ctx, FilterParams{
		Stratification: "ENROLLMENT_STATUS", StartDate: "2017-12-10", EndDate: "2017-12-10",
		History: true, Version: "2",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), metricsOn(t, v2, "2017-12-10", "PITT")["registered"], "V2 recomputes its whole history")

	gen, ok, err := s.Ledger().ServingGeneration(ctx, metricscache.TableEnrollmentStatus, metricscache.PublicMetricsExportAPI)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, gen.Equal(testutil.At("2018-01-11")), "serving %s", gen)
}

// publicStratifications are the stratifications the public export serves.
var publicStratifications = []string{"TOTAL", "ENROLLMENT_STATUS", "GENDER_IDENTITY", "AGE_RANGE", "RACE", "LIFECYCLE"}

// sumCounts adds every count in a metrics map, descending into the
// lifecycle completed/not_completed groups.
func sumCounts(t *testing.T, m map[string]interface{}) int64 {
	t.Helper()
	var total int64
	for k, v := range m {
		switch n := v.(type) {
		case int64:
			total += n
		case map[string]int64:
			for _, c := range n {
				total += c
			}
		default:
			t.Fatalf("unexpected %T under %q", v, k)
		}
	}
	return total
}

func TestPublicReadsCoverEveryDay(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)
	ctx := context.Background()
	require.NoError(t, s.RunRefreshCycle(ctx, testutil.At("2018-01-10")))

	for _, st := range publicStratifications {
		t.Run(st, func(t *testing.T) {
			rows, err := s.GetPublicMetrics(ctx, PublicParams{Stratification: st, StartDate: "2017-12-02", EndDate: "2017-12-03"})
			require.NoError(t, err)
			require.Len(t, rows, 2, "a range without participants still has a row per day")
			for _, r := range rows {
				require.Empty(t, r.HPO)
				require.NotEmpty(t, r.Metrics)
				require.Zero(t, sumCounts(t, r.Metrics), "%s", r.Date)
			}
			require.Equal(t, "2017-12-02", rows[0].Date.String())
			require.Equal(t, "2017-12-03", rows[1].Date.String())

			rows, err = s.GetPublicMetrics(ctx, PublicParams{Stratification: st, StartDate: "2017-12-31", EndDate: "2018-01-01"})
			require.NoError(t, err)
			require.Len(t, rows, 2)
			require.Zero(t, sumCounts(t, metricsOn(t, rows, "2017-12-31", "")))
			require.Positive(t, sumCounts(t, metricsOn(t, rows, "2018-01-01", "")))
		})
	}
}

func TestRefreshFailureMarksRunFailed(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, "DROP TABLE metrics_gender_cache")
	require.NoError(t, err)

	err = s.RunRefreshCycle(ctx, testutil.At("2018-01-10"))
	require.Error(t, err)
	require.Contains(t, err.Error(), string(metricscache.TableGender))
	require.Equal(t, []string{metricscache.OriginLookupTable}, stagingTables(t, s), "staging is dropped after a failed cycle")

	runs, err := s.Ledger().Recent(ctx, 50)
	require.NoError(t, err)
	for _, r := range runs {
		if r.CacheTableName == string(metricscache.TableGender) {
			require.Equal(t, models.JobStateFailed, r.State())
			require.NotNil(t, r.ErrorMessage)
			continue
		}
		require.Equal(t, models.JobStateStageOneAndTwo, r.State(), "%s/%s", r.CacheTableName, r.Type)
	}

	// other dimensions still serve
	rows, err := s.GetFilteredResults(ctx, FilterParams{
		Stratification: "AGE_RANGE", StartDate: "2018-01-02", EndDate: "2018-01-02",
	})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
}

func TestLiveResults(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)
	ctx := context.Background()

	rows, err := s.GetFilteredResults(ctx, FilterParams{
		Stratification: "total", StartDate: "2017-12-31", EndDate: "2018-01-03",
	})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, int64(0), metricsOn(t, rows, "2017-12-31", "")["TOTAL"])
	require.Equal(t, int64(2), metricsOn(t, rows, "2018-01-01", "")["TOTAL"])
	require.Equal(t, int64(3), metricsOn(t, rows, "2018-01-03", "")["TOTAL"])

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "TOTAL", StartDate: "2018-01-02", EndDate: "2018-01-02", Awardees: []string{"PITT"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), metricsOn(t, rows, "2018-01-02", "")["TOTAL"])

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "ENROLLMENT_STATUS", StartDate: "2018-01-03", EndDate: "2018-01-03", Version: "2",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{
		"registered": int64(1), "participant": int64(2), "fully_consented": int64(0), "core_participant": int64(0),
	}, metricsOn(t, rows, "2018-01-03", ""))

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "ENROLLMENT_STATUS", StartDate: "2018-01-03", EndDate: "2018-01-03",
		EnrollmentStatus: []string{"INTERESTED"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{
		"registered": int64(3), "consented": int64(0), "core": int64(0),
	}, metricsOn(t, rows, "2018-01-03", ""))

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "EHR_RATIO", StartDate: "2018-01-02", EndDate: "2018-01-02",
	})
	require.NoError(t, err)
	require.InDelta(t, 1.0/3.0, metricsOn(t, rows, "2018-01-02", "")["EHR_RATIO"], 1e-9)

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "EHR_CONSENT", StartDate: "2018-01-01", EndDate: "2018-01-02",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), metricsOn(t, rows, "2018-01-01", "")["EHR_CONSENT"])
	require.Equal(t, int64(1), metricsOn(t, rows, "2018-01-02", "")["EHR_CONSENT"])

	rows, err = s.GetFilteredResults(ctx, FilterParams{
		Stratification: "PARTICIPANT_ORIGIN", StartDate: "2018-01-02", EndDate: "2018-01-02",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{
		string(models.OriginCareEvolution): int64(1), string(models.OriginVibrent): int64(2),
	}, metricsOn(t, rows, "2018-01-02", ""))
}

func TestLiveResultsSkipExcludedParticipants(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	full := func(id, hpoID int64) repositories.ParticipantRecord {
		p := testutil.Participant(id, hpoID, "2018-01-01")
		p.Summary.ConsentForStudyEnrollmentTime = testutil.At("2018-01-02")
		p.Summary.ConsentForElectronicHealthRecordsTime = testutil.At("2018-01-02")
		p.Summary.EnrollmentStatusMemberTime = testutil.At("2018-01-02")
		p.Summary.EnrollmentStatusCoreStoredSampleTime = testutil.At("2018-01-03")
		return p
	}

	ghost := full(10, testutil.PittID)
	ghost.Participant.IsGhostID = true
	flagged := full(11, testutil.PittID)
	flagged.Participant.IsTestParticipant = true
	qa := full(12, testutil.PittID)
	qa.Summary.Email = "qa@example.com"
	withdrawn := full(13, testutil.TucsonID)
	withdrawn.Participant.WithdrawalStatus = models.WithdrawalNoUse
	withdrawn.Summary.WithdrawalStatus = models.WithdrawalNoUse
	testAwardee := full(14, testutil.TestID)
	f.Insert(t, ghost, flagged, qa, withdrawn, testAwardee)

	for _, st := range []string{"TOTAL", "ENROLLMENT_STATUS", "EHR_CONSENT", "EHR_RATIO", "PARTICIPANT_ORIGIN"} {
		for _, version := range []string{"1", "2"} {
			rows, err := s.GetFilteredResults(ctx, FilterParams{
				Stratification: st, StartDate: "2018-01-01", EndDate: "2018-01-04", Version: version,
			})
			require.NoError(t, err, st)
			require.Len(t, rows, 4, st)
			for _, r := range rows {
				for k, v := range r.Metrics {
					require.Zero(t, v, "%s v%s %s %s", st, version, r.Date, k)
				}
			}
		}
	}
}

func TestOriginFilterUsesSummaryOrigin(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	moved := testutil.Participant(1, testutil.PittID, "2018-01-01")
	moved.Summary.ParticipantOrigin = models.OriginCareEvolution
	f.Insert(t, moved, testutil.Participant(2, testutil.PittID, "2018-01-01"))
	require.NoError(t, s.RunRefreshCycle(ctx, testutil.At("2018-01-10")))

	origins, err := s.GetParticipantOrigins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{string(models.OriginCareEvolution), string(models.OriginVibrent)}, origins)

	for _, history := range []bool{false, true} {
		rows, err := s.GetFilteredResults(ctx, FilterParams{
			Stratification: "TOTAL", StartDate: "2018-01-02", EndDate: "2018-01-02",
			ParticipantOrigin: []string{string(models.OriginCareEvolution)}, History: history,
		})
		require.NoError(t, err)
		require.Equal(t, int64(1), metricsOn(t, rows, "2018-01-02", "")["TOTAL"], "history=%v", history)
	}

	rows, err := s.GetFilteredResults(ctx, FilterParams{
		Stratification: "PARTICIPANT_ORIGIN", StartDate: "2018-01-02", EndDate: "2018-01-02",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{
		string(models.OriginCareEvolution): int64(1), string(models.OriginVibrent): int64(1),
	}, metricsOn(t, rows, "2018-01-02", ""))
}

func TestCoreSampleFilter(t *testing.T) {
	s, f := newTestService(t)
	p := testutil.Participant(1, testutil.PittID, "2018-01-01")
	p.Summary.EnrollmentStatusCoreOrderedSampleTime = testutil.At("2018-01-02")
	p.Summary.EnrollmentStatusCoreStoredSampleTime = testutil.At("2018-01-04")
	f.Insert(t, p)
	ctx := context.Background()

	params := FilterParams{Stratification: "ENROLLMENT_STATUS", StartDate: "2018-01-03", EndDate: "2018-01-03", Version: "2"}
	rows, err := s.GetFilteredResults(ctx, params)
	require.NoError(t, err)
	require.Equal(t, int64(0), metricsOn(t, rows, "2018-01-03", "")["core_participant"])

	params.FilterBy = "ordered"
	rows, err = s.GetFilteredResults(ctx, params)
	require.NoError(t, err)
	require.Equal(t, int64(1), metricsOn(t, rows, "2018-01-03", "")["core_participant"])
}

func TestFilterValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params FilterParams
	}{
		{"unknown stratification", FilterParams{Stratification: "SHOE_SIZE", StartDate: "2018-01-01", EndDate: "2018-01-02"}},
		{"missing start", FilterParams{Stratification: "TOTAL", EndDate: "2018-01-02"}},
		{"malformed date", FilterParams{Stratification: "TOTAL", StartDate: "01/01/2018", EndDate: "2018-01-02"}},
		{"start after end", FilterParams{Stratification: "TOTAL", StartDate: "2018-01-03", EndDate: "2018-01-02"}},
		{"live range too long", FilterParams{Stratification: "TOTAL", StartDate: "2017-12-01", EndDate: "2018-03-01"}},
		{"unknown awardee", FilterParams{Stratification: "TOTAL", StartDate: "2018-01-01", EndDate: "2018-01-02", Awardees: []string{"PITT,NOWHERE"}}},
		{"test awardee", FilterParams{Stratification: "TOTAL", StartDate: "2018-01-01", EndDate: "2018-01-02", Awardees: []string{"TEST"}}},
		{"bad version", FilterParams{Stratification: "TOTAL", StartDate: "2018-01-01", EndDate: "2018-01-02", Version: "3"}},
		{"bad status", FilterParams{Stratification: "TOTAL", StartDate: "2018-01-01", EndDate: "2018-01-02", EnrollmentStatus: []string{"WITHDRAWN"}}},
		{"bad core sample", FilterParams{Stratification: "TOTAL", StartDate: "2018-01-01", EndDate: "2018-01-02", FilterBy: "SHIPPED"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetFilteredResults(ctx, tt.params)
			var bad *metricscache.BadRequestError
			require.ErrorAs(t, err, &bad)
		})
	}

	// cache reads allow the longer history window
	_, err := s.GetFilteredResults(ctx, FilterParams{
		Stratification: "GENDER_IDENTITY", StartDate: "2017-12-01", EndDate: "2018-03-01",
	})
	require.NoError(t, err)

	_, err = s.GetPublicMetrics(ctx, PublicParams{Stratification: "GEO_STATE", StartDate: "2018-01-01", EndDate: "2018-01-02"})
	var bad *metricscache.BadRequestError
	require.ErrorAs(t, err, &bad, "region is not published")
}

func TestAwardeeLookupIsCached(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	ids, err := s.resolveAwardees(ctx, []string{"PITT", " AZ_TUCSON "})
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{testutil.PittID, testutil.TucsonID}, ids)
	require.Equal(t, 2, s.awardees.ItemCount())

	// cached entries answer without touching the hpo table
	_, err = s.db.ExecContext(ctx, "UPDATE hpo SET name = 'PITT_RENAMED' WHERE name = 'PITT'")
	require.NoError(t, err)
	ids, err = s.resolveAwardees(ctx, []string{"PITT"})
	require.NoError(t, err)
	require.Equal(t, []int64{testutil.PittID}, ids)
}

func TestAuxiliaryLookups(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)
	ctx := context.Background()

	n, err := s.GetSitesCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	origins, err := s.GetParticipantOrigins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{string(models.OriginCareEvolution), string(models.OriginVibrent)}, origins)
}

func TestRunRefreshCycleHonoursCancellation(t *testing.T) {
	s, f := newTestService(t)
	seed(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.RunRefreshCycle(ctx, time.Date(2018, 1, 10, 0, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, context.Canceled)
}
