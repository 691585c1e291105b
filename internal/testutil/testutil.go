// Package testutil provides migrated in-memory databases and participant
// fixtures for package tests.
package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"go.uber.org/zap/zaptest"

	"github.com/mkoziy/rdr/metricscache/internal/database"
	"github.com/mkoziy/rdr/metricscache/internal/migrations"
	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

// Awardee ids seeded by Seed.
const (
	PittID   int64 = 1
	TucsonID int64 = 2
	TestID   int64 = 99
)

// CalendarStart and CalendarEnd bound the seeded calendar.
var (
	CalendarStart = models.MustParseDate("2017-12-01")
	CalendarEnd   = models.MustParseDate("2018-03-31")
)

// NewDB opens a private in-memory database with every migration applied.
// The single connection keeps the shared-cache database alive for the test.
func NewDB(t testing.TB) *bun.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := database.NewDB(database.Options{
		DSN:          "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.RunMigrations(context.Background(), db, zaptest.NewLogger(t)))
	return db
}

// Fixture is a seeded database: awardees (including TEST), sites, codes and
// the calendar.
type Fixture struct {
	DB    *bun.DB
	Codes map[string]int64
}

var seedCodes = []string{
	"GenderIdentity_Man",
	"GenderIdentity_Woman",
	"GenderIdentity_NonBinary",
	"GenderIdentity_Transgender",
	"GenderIdentity_AdditionalOptions",
	"PMI_PreferNotToAnswer",
	"PMI_Skip",
	"WhatRaceEthnicity_AIAN",
	"WhatRaceEthnicity_Asian",
	"WhatRaceEthnicity_Black",
	"WhatRaceEthnicity_MENA",
	"WhatRaceEthnicity_NHPI",
	"WhatRaceEthnicity_White",
	"WhatRaceEthnicity_Hispanic",
	"WhatRaceEthnicity_RaceEthnicityNoneOfThese",
	"PIIState_VA",
	"PIIState_CA",
	"PIIState_NY",
	"PIIState_PR",
	"PIIState_ZZ",
}

// Seed creates a migrated database with reference data.
func Seed(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()
	db := NewDB(t)

	require.NoError(t, repositories.UpsertHPOs(ctx, db, []*models.HPO{
		{HPOID: PittID, Name: "PITT", DisplayName: "Pittsburgh"},
		{HPOID: TucsonID, Name: "AZ_TUCSON", DisplayName: "Arizona"},
		{HPOID: TestID, Name: models.TestAwardeeName, DisplayName: "Test"},
	}))

	require.NoError(t, repositories.InsertSites(ctx, db, []*models.Site{
		{SiteName: "Pitt main", GoogleGroup: "hpo-site-pitt", HPOID: PittID, EnrollingStatus: models.SiteEnrollingActive},
		{SiteName: "Pitt annex", GoogleGroup: "hpo-site-pitt", HPOID: PittID, EnrollingStatus: models.SiteEnrollingActive},
		{SiteName: "Tucson", GoogleGroup: "hpo-site-tucson", HPOID: TucsonID, EnrollingStatus: models.SiteEnrollingActive},
		{SiteName: "Tucson closed", GoogleGroup: "hpo-site-tucson-old", HPOID: TucsonID, EnrollingStatus: 0},
		{SiteName: "Test", GoogleGroup: "hpo-site-test", HPOID: TestID, EnrollingStatus: models.SiteEnrollingActive},
	}))

	codes := make([]*models.Code, len(seedCodes))
	for i, v := range seedCodes {
		codes[i] = &models.Code{Value: v, System: "http://terminology.pmi-ops.org/CodeSystem/ppi"}
	}
	require.NoError(t, repositories.UpsertCodes(ctx, db, codes))
	ids := make(map[string]int64, len(codes))
	for _, c := range codes {
		ids[c.Value] = c.CodeID
	}

	_, err := repositories.PopulateCalendar(ctx, db, CalendarStart, CalendarEnd)
	require.NoError(t, err)

	return &Fixture{DB: db, Codes: ids}
}

// At returns 10:00 UTC on day (YYYY-MM-DD).
func At(day string) time.Time {
	return models.MustParseDate(day).Time().Add(10 * time.Hour)
}

// Participant returns a registered vibrent participant with a summary.
func Participant(id, hpoID int64, signUp string) repositories.ParticipantRecord {
	p := &models.Participant{
		ParticipantID:     id,
		BiobankID:         id + 1000,
		HPOID:             hpoID,
		SignUpTime:        At(signUp),
		ParticipantOrigin: models.OriginVibrent,
		WithdrawalStatus:  models.WithdrawalNotWithdrawn,
	}
	s := &models.ParticipantSummary{
		HPOID:             hpoID,
		Email:             "participant@pmi-ops.org",
		EnrollmentStatus:  models.EnrollmentRegistered,
		WithdrawalStatus:  models.WithdrawalNotWithdrawn,
		ParticipantOrigin: models.OriginVibrent,
		SignUpTime:        At(signUp),
	}
	return repositories.ParticipantRecord{Participant: p, Summary: s}
}

// Insert stores records and fails the test on error.
func (f *Fixture) Insert(t testing.TB, recs ...repositories.ParticipantRecord) {
	t.Helper()
	require.NoError(t, repositories.InsertParticipants(context.Background(), f.DB, recs))
}

// CodeIDs maps code values to the seeded ids.
func (f *Fixture) CodeIDs(values ...string) []int64 {
	out := make([]int64, len(values))
	for i, v := range values {
		out[i] = f.Codes[v]
	}
	return out
}

// StateID returns a pointer to the seeded id of a state code.
func (f *Fixture) StateID(value string) *int64 {
	id := f.Codes[value]
	return &id
}
