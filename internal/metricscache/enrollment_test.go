package metricscache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/testutil"
)

// seedEnrollment stores three counted participants and one of each
// excluded kind.
func seedEnrollment(t *testing.T, e *testEnv) {
	p1 := testutil.Participant(1, testutil.PittID, "2018-01-01")
	p1.Summary.ConsentForStudyEnrollmentTime = testutil.At("2018-01-03")
	p1.Summary.EnrollmentStatusMemberTime = testutil.At("2018-01-05")
	p1.Summary.EnrollmentStatusCoreOrderedSampleTime = testutil.At("2018-01-06")
	p1.Summary.EnrollmentStatusCoreStoredSampleTime = testutil.At("2018-01-07")

	p2 := testutil.Participant(2, testutil.PittID, "2018-01-02")

	p3 := testutil.Participant(3, testutil.TucsonID, "2018-01-01")
	p3.Summary.ConsentForStudyEnrollmentTime = testutil.At("2018-01-02")
	p3.Participant.ParticipantOrigin = models.OriginCareEvolution
	p3.Summary.ParticipantOrigin = models.OriginCareEvolution

	ghost := testutil.Participant(4, testutil.PittID, "2018-01-01")
	ghost.Participant.IsGhostID = true

	testAwardee := testutil.Participant(5, testutil.TestID, "2018-01-01")

	withdrawn := testutil.Participant(6, testutil.PittID, "2018-01-01")
	withdrawn.Participant.WithdrawalStatus = models.WithdrawalNoUse

	qa := testutil.Participant(7, testutil.PittID, "2018-01-01")
	qa.Summary.Email = "qa@example.com"

	flagged := testutil.Participant(8, testutil.TucsonID, "2018-01-01")
	flagged.Participant.IsTestParticipant = true

	e.Insert(t, p1, p2, p3, ghost, testAwardee, withdrawn, qa, flagged)
}

func TestEnrollmentStatusV2(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleStored)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)

	rows, err := dao.GetLatestVersionFromCache(context.Background(), filters("2018-01-01", "2018-01-08"))
	require.NoError(t, err)

	require.Equal(t, map[string]interface{}{
		"registered": int64(1), "participant": int64(0), "fully_consented": int64(0), "core_participant": int64(0),
	}, rowFor(t, rows, "2018-01-01", "PITT"))
	require.Equal(t, int64(2), rowFor(t, rows, "2018-01-02", "PITT")["registered"])
	require.Equal(t, int64(1), rowFor(t, rows, "2018-01-02", "AZ_TUCSON")["participant"])
	require.Equal(t, int64(0), rowFor(t, rows, "2018-01-02", "AZ_TUCSON")["registered"])

	day3 := rowFor(t, rows, "2018-01-03", "PITT")
	require.Equal(t, int64(1), day3["registered"])
	require.Equal(t, int64(1), day3["participant"])

	day5 := rowFor(t, rows, "2018-01-05", "PITT")
	require.Equal(t, int64(1), day5["fully_consented"])
	require.Equal(t, int64(0), day5["participant"])

	// stored sample time defines core
	require.Equal(t, int64(0), rowFor(t, rows, "2018-01-06", "PITT")["core_participant"])
	require.Equal(t, int64(1), rowFor(t, rows, "2018-01-07", "PITT")["core_participant"])

	for _, r := range rows {
		require.NotEqual(t, models.TestAwardeeName, r.HPO)
		require.LessOrEqual(t, r.Date.String(), "2018-01-08")
	}
}

func TestEnrollmentStatusV1FoldsParticipant(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleOrdered)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)

	f := filters("2018-01-01", "2018-01-08")
	f.Version = APIVersion1
	rows, err := dao.GetLatestVersionFromCache(context.Background(), f)
	require.NoError(t, err)

	require.Equal(t, map[string]interface{}{
		"registered": int64(2), "consented": int64(0), "core": int64(0),
	}, rowFor(t, rows, "2018-01-03", "PITT"))
	// ordered sample time defines core
	require.Equal(t, int64(1), rowFor(t, rows, "2018-01-06", "PITT")["core"])
}

func TestEnrollmentStatusFilters(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleStored)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)

	f := filters("2018-01-02", "2018-01-02")
	f.HPOIDs = []int64{testutil.TucsonID}
	rows, err := dao.GetLatestVersionFromCache(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "AZ_TUCSON", rows[0].HPO)

	f = filters("2018-01-03", "2018-01-03")
	f.Origins = []string{string(models.OriginCareEvolution)}
	rows, err = dao.GetLatestVersionFromCache(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "AZ_TUCSON", rows[0].HPO)

	f = filters("2018-01-03", "2018-01-03")
	f.Statuses = []string{StatusParticipant}
	rows, err = dao.GetLatestVersionFromCache(context.Background(), f)
	require.NoError(t, err)
	pitt := rowFor(t, rows, "2018-01-03", "PITT")
	require.Equal(t, int64(0), pitt["registered"])
	require.Equal(t, int64(1), pitt["participant"])
}

func TestEnrollmentStatusTotal(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleStored)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)

	f := filters("2018-01-01", "2018-01-02")
	f.Stratification = StratTotal
	rows, err := dao.GetLatestVersionFromCache(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, int64(2), rowFor(t, rows, "2018-01-01", "")[KeyTotal])
	require.Equal(t, int64(3), rowFor(t, rows, "2018-01-02", "")[KeyTotal])
}

func TestEnrollmentStatusPublic(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(PublicMetricsExportAPI), CoreSampleStored)
	require.NoError(t, err)
	e.build(t, dao, "2018-01-01", "2018-01-10", genOne)

	rows, err := dao.GetLatestVersionFromCache(context.Background(), filters("2018-01-01", "2018-01-06"))
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for _, r := range rows {
		require.Empty(t, r.HPO)
	}

	// three-tier: consent alone keeps a participant registered
	require.Equal(t, map[string]interface{}{
		"registered": int64(3), "consented": int64(0), "core": int64(0),
	}, rowFor(t, rows, "2018-01-03", ""))
	require.Equal(t, int64(1), rowFor(t, rows, "2018-01-05", "")["consented"])
}

func TestEnrollmentStatusNoGeneration(t *testing.T) {
	e := newTestEnv(t)
	seedEnrollment(t, e)

	dao, err := NewEnrollmentStatusDAO(e.DB, e.ledger, string(MetricsV2API), CoreSampleStored)
	require.NoError(t, err)

	rows, err := dao.GetLatestVersionFromCache(context.Background(), filters("2018-01-01", "2018-01-08"))
	require.NoError(t, err)
	require.Empty(t, rows)

	buckets, err := dao.GetActiveBuckets(context.Background(), filters("2018-01-01", "2018-01-08"))
	require.NoError(t, err)
	require.Nil(t, buckets)
}

func TestInvalidCacheType(t *testing.T) {
	e := newTestEnv(t)

	_, err := NewEnrollmentStatusDAO(e.DB, e.ledger, "METRICS_V9_API", CoreSampleStored)
	require.True(t, errors.Is(err, ErrInvalidCacheType))

	_, err = NewGenderDAO(e.DB, e.ledger, "", CoreSampleStored, e.codebook, e.codes)
	require.True(t, errors.Is(err, ErrInvalidCacheType))

	_, err = NewRegionDAO(e.DB, e.ledger, string(PublicMetricsExportAPI), CoreSampleStored, e.codebook)
	require.True(t, errors.Is(err, ErrInvalidCacheType))

	_, err = NewLanguageDAO(e.DB, e.ledger, string(PublicMetricsExportAPI), CoreSampleStored)
	require.True(t, errors.Is(err, ErrInvalidCacheType))
}
