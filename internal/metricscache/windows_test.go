package metricscache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowPredicate(t *testing.T) {
	ref := stagingRef(colCoreStored)

	w, ok := WindowFor(FourTier, StatusParticipant)
	require.True(t, ok)
	require.Equal(t,
		"(ps.consent_for_study_enrollment_time IS NOT NULL AND DATE(ps.consent_for_study_enrollment_time) <= c.day"+
			" AND (COALESCE(ps.enrollment_status_member_time, ps.enrollment_status_core_stored_sample_time) IS NULL"+
			" OR DATE(COALESCE(ps.enrollment_status_member_time, ps.enrollment_status_core_stored_sample_time)) > c.day))",
		w.predicate(ref, "c.day"))

	w, ok = WindowFor(ThreeTier, StatusCore)
	require.True(t, ok)
	require.Equal(t,
		"(ps.enrollment_status_core_stored_sample_time IS NOT NULL AND DATE(ps.enrollment_status_core_stored_sample_time) <= c.day)",
		w.predicate(ref, "c.day"))

	_, ok = WindowFor(ThreeTier, StatusParticipant)
	require.False(t, ok)
}

func TestLiveRefFallsBackToParticipantSignUp(t *testing.T) {
	ref := liveRef(colCoreOrdered)
	require.Equal(t, "COALESCE(ps.sign_up_time, p.sign_up_time)", ref(colSignUp))
	require.Equal(t, "ps.enrollment_status_core_ordered_sample_time", ref(colCore))
	require.Equal(t, "1 = 0", anyWindow(FourTier, nil, ref, "c.day"))
}

func TestResolveStatuses(t *testing.T) {
	tests := []struct {
		name  string
		raw   []string
		tiers Tiers
		want  []string
	}{
		{"v1 interested", []string{"INTERESTED"}, FourTier, []string{StatusRegistered, StatusParticipant}},
		{"v1 interested three tier", []string{"interested"}, ThreeTier, []string{StatusRegistered}},
		{"v2 names", []string{"PARTICIPANT", "CORE_PARTICIPANT"}, FourTier, []string{StatusParticipant, StatusCore}},
		{"member", []string{" MEMBER "}, FourTier, []string{StatusConsented}},
		{"duplicates", []string{"FULL_PARTICIPANT", "CORE_PARTICIPANT"}, FourTier, []string{StatusCore}},
		{"empty", []string{""}, FourTier, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveStatuses(tt.raw, tt.tiers)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := ResolveStatuses([]string{"WITHDRAWN"}, FourTier)
	var bad *BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestParseStratification(t *testing.T) {
	st, err := ParseStratification("geo_state")
	require.NoError(t, err)
	require.Equal(t, StratGeoState, st)
	require.True(t, st.IsRegion())
	require.True(t, st.CacheOnly())
	require.False(t, StratEHRRatio.CacheOnly())

	_, err = ParseStratification("SHOE_SIZE")
	var bad *BadRequestError
	require.ErrorAs(t, err, &bad)
}

func TestCodebook(t *testing.T) {
	cb, err := DefaultCodebook()
	require.NoError(t, err)

	region, ok := cb.CensusRegion("VA")
	require.True(t, ok)
	require.Equal(t, "SOUTH", region)
	_, ok = cb.CensusRegion("PR")
	require.False(t, ok)

	require.Equal(t, []string{"NORTHEAST", "MIDWEST", "SOUTH", "WEST"}, cb.CensusRegionNames())
	require.Contains(t, cb.RecognizedStates(), "PR")
	require.Equal(t, "UNSET", cb.Age[MetricsV2API].Keys()[len(cb.Age[MetricsV2API].Keys())-1])

	_, err = ParseCodebook([]byte("gender: {}"))
	require.Error(t, err)
}
