package models

import (
	"time"

	"github.com/uptrace/bun"
)

// CacheKey is the generation/date/awardee key shared by every metrics cache
// table. DateInserted identifies the refresh run, Date the as-of day.
type CacheKey struct {
	ID                int64     `bun:"id,pk,autoincrement" json:"-"`
	DateInserted      time.Time `bun:"date_inserted,notnull" json:"date_inserted"`
	Type              string    `bun:"type,notnull" json:"type"`
	HPOID             int64     `bun:"hpo_id,notnull" json:"hpo_id"`
	HPOName           string    `bun:"hpo_name,notnull" json:"hpo_name"`
	Date              Date      `bun:"date,type:date,notnull" json:"date"`
	ParticipantOrigin string    `bun:"participant_origin,notnull" json:"participant_origin"`
}

// EnrollmentStatusCache holds per-day status counts.
type EnrollmentStatusCache struct {
	bun.BaseModel `bun:"table:metrics_enrollment_status_cache,alias:mes"`
	CacheKey

	RegisteredCount  int64 `bun:"registered_count,notnull" json:"registered_count"`
	ParticipantCount int64 `bun:"participant_count,notnull" json:"participant_count"`
	ConsentedCount   int64 `bun:"consented_count,notnull" json:"consented_count"`
	CoreCount        int64 `bun:"core_count,notnull" json:"core_count"`
}

type GenderCache struct {
	bun.BaseModel `bun:"table:metrics_gender_cache,alias:mg"`
	CacheKey

	EnrollmentStatus string `bun:"enrollment_status,notnull" json:"enrollment_status"`
	GenderName       string `bun:"gender_name,notnull" json:"gender_name"`
	GenderCount      int64  `bun:"gender_count,notnull" json:"gender_count"`
}

type AgeCache struct {
	bun.BaseModel `bun:"table:metrics_age_cache,alias:ma"`
	CacheKey

	EnrollmentStatus string `bun:"enrollment_status,notnull" json:"enrollment_status"`
	AgeRange         string `bun:"age_range,notnull" json:"age_range"`
	AgeCount         int64  `bun:"age_count,notnull" json:"age_count"`
}

type RaceCache struct {
	bun.BaseModel `bun:"table:metrics_race_cache,alias:mr"`
	CacheKey

	EnrollmentStatus string `bun:"enrollment_status,notnull" json:"enrollment_status"`
	RaceName         string `bun:"race_name,notnull" json:"race_name"`
	RaceCount        int64  `bun:"race_count,notnull" json:"race_count"`
}

// RegionCache stores raw state codes; census and awardee rollups are
// derived at read time.
type RegionCache struct {
	bun.BaseModel `bun:"table:metrics_region_cache,alias:mrg"`
	CacheKey

	EnrollmentStatus string `bun:"enrollment_status,notnull" json:"enrollment_status"`
	StateName        string `bun:"state_name,notnull" json:"state_name"`
	StateCount       int64  `bun:"state_count,notnull" json:"state_count"`
}

type LanguageCache struct {
	bun.BaseModel `bun:"table:metrics_language_cache,alias:ml"`
	CacheKey

	EnrollmentStatus string `bun:"enrollment_status,notnull" json:"enrollment_status"`
	LanguageName     string `bun:"language_name,notnull" json:"language_name"`
	LanguageCount    int64  `bun:"language_count,notnull" json:"language_count"`
}

// LifecycleCache counts, per day, the registered participants and how many
// of them reached each onboarding milestone.
type LifecycleCache struct {
	bun.BaseModel `bun:"table:metrics_lifecycle_cache,alias:mlc"`
	CacheKey

	Registered               int64 `bun:"registered,notnull" json:"registered"`
	ConsentEnrollment        int64 `bun:"consent_enrollment,notnull" json:"consent_enrollment"`
	ConsentComplete          int64 `bun:"consent_complete,notnull" json:"consent_complete"`
	PPIBasics                int64 `bun:"ppi_basics,notnull" json:"ppi_basics"`
	PPIOverallHealth         int64 `bun:"ppi_overall_health,notnull" json:"ppi_overall_health"`
	PPILifestyle             int64 `bun:"ppi_lifestyle,notnull" json:"ppi_lifestyle"`
	PPIBaselineComplete      int64 `bun:"ppi_baseline_complete,notnull" json:"ppi_baseline_complete"`
	PPIHealthcareAccess      int64 `bun:"ppi_healthcare_access,notnull" json:"ppi_healthcare_access"`
	PPIFamilyHealth          int64 `bun:"ppi_family_health,notnull" json:"ppi_family_health"`
	PPIMedicalHistory        int64 `bun:"ppi_medical_history,notnull" json:"ppi_medical_history"`
	PPIMedications           int64 `bun:"ppi_medications,notnull" json:"ppi_medications"`
	RetentionModulesEligible int64 `bun:"retention_modules_eligible,notnull" json:"retention_modules_eligible"`
	RetentionModulesComplete int64 `bun:"retention_modules_complete,notnull" json:"retention_modules_complete"`
	PhysicalMeasurement      int64 `bun:"physical_measurement,notnull" json:"physical_measurement"`
	SampleReceived           int64 `bun:"sample_received,notnull" json:"sample_received"`
	FullParticipant          int64 `bun:"full_participant,notnull" json:"full_participant"`
}

// CacheModels lists every cache table model in creation order.
func CacheModels() []interface{} {
	return []interface{}{
		(*EnrollmentStatusCache)(nil),
		(*GenderCache)(nil),
		(*AgeCache)(nil),
		(*RaceCache)(nil),
		(*RegionCache)(nil),
		(*LanguageCache)(nil),
		(*LifecycleCache)(nil),
	}
}
