package metricscache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// CacheType selects the consumer a cache generation is built for.
type CacheType string

const (
	MetricsV2API           CacheType = "METRICS_V2_API"
	PublicMetricsExportAPI CacheType = "PUBLIC_METRICS_EXPORT_API"
)

// ErrInvalidCacheType is returned when a DAO is built for an unknown type.
var ErrInvalidCacheType = errors.New("invalid metrics cache type")

// ParseCacheType validates s.
func ParseCacheType(s string) (CacheType, error) {
	switch CacheType(s) {
	case MetricsV2API, PublicMetricsExportAPI:
		return CacheType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCacheType, s)
}

// CacheTable is the fixed set of cache tables. Values are trusted
// identifiers and are the only table names ever rendered into SQL.
type CacheTable string

const (
	TableEnrollmentStatus CacheTable = "metrics_enrollment_status_cache"
	TableGender           CacheTable = "metrics_gender_cache"
	TableAge              CacheTable = "metrics_age_cache"
	TableRace             CacheTable = "metrics_race_cache"
	TableRegion           CacheTable = "metrics_region_cache"
	TableLifecycle        CacheTable = "metrics_lifecycle_cache"
	TableLanguage         CacheTable = "metrics_language_cache"
)

// Stage is one half of a refresh cycle.
type Stage int

const (
	StageOne Stage = 1
	StageTwo Stage = 2
)

func (s Stage) String() string {
	switch s {
	case StageOne:
		return "stage_one"
	case StageTwo:
		return "stage_two"
	}
	return fmt.Sprintf("stage_%d", int(s))
}

// APIVersion selects the enrollment taxonomy of responses.
type APIVersion int

const (
	APIVersion1 APIVersion = 1
	APIVersion2 APIVersion = 2
)

// Stratification is the dimension a response is broken down by.
type Stratification string

const (
	StratTotal             Stratification = "TOTAL"
	StratEnrollmentStatus  Stratification = "ENROLLMENT_STATUS"
	StratGenderIdentity    Stratification = "GENDER_IDENTITY"
	StratAgeRange          Stratification = "AGE_RANGE"
	StratRace              Stratification = "RACE"
	StratFullState         Stratification = "FULL_STATE"
	StratFullCensus        Stratification = "FULL_CENSUS"
	StratFullAwardee       Stratification = "FULL_AWARDEE"
	StratGeoState          Stratification = "GEO_STATE"
	StratGeoCensus         Stratification = "GEO_CENSUS"
	StratGeoAwardee        Stratification = "GEO_AWARDEE"
	StratLifecycle         Stratification = "LIFECYCLE"
	StratLanguage          Stratification = "LANGUAGE"
	StratEHRConsent        Stratification = "EHR_CONSENT"
	StratEHRRatio          Stratification = "EHR_RATIO"
	StratParticipantOrigin Stratification = "PARTICIPANT_ORIGIN"
)

var stratifications = map[Stratification]bool{
	StratTotal: true, StratEnrollmentStatus: true, StratGenderIdentity: true,
	StratAgeRange: true, StratRace: true, StratFullState: true,
	StratFullCensus: true, StratFullAwardee: true, StratGeoState: true,
	StratGeoCensus: true, StratGeoAwardee: true, StratLifecycle: true,
	StratLanguage: true, StratEHRConsent: true, StratEHRRatio: true,
	StratParticipantOrigin: true,
}

// ParseStratification validates s, returning a BadRequestError otherwise.
func ParseStratification(s string) (Stratification, error) {
	st := Stratification(strings.ToUpper(strings.TrimSpace(s)))
	if !stratifications[st] {
		return "", BadRequestf("invalid stratification: %q", s)
	}
	return st, nil
}

// IsRegion reports whether st is one of the region rollups.
func (st Stratification) IsRegion() bool {
	switch st {
	case StratFullState, StratFullCensus, StratFullAwardee,
		StratGeoState, StratGeoCensus, StratGeoAwardee:
		return true
	}
	return false
}

// CacheOnly reports whether st can only be answered from a cache table.
func (st Stratification) CacheOnly() bool {
	switch st {
	case StratGenderIdentity, StratAgeRange, StratRace, StratLifecycle, StratLanguage:
		return true
	}
	return st.IsRegion()
}

// BadRequestError marks a client error (unknown stratification, malformed
// filters). The HTTP layer maps it to 400.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

// BadRequestf builds a BadRequestError.
func BadRequestf(format string, args ...interface{}) error {
	return &BadRequestError{Msg: fmt.Sprintf(format, args...)}
}

// Statement is a parameterised SQL statement.
type Statement struct {
	SQL  string
	Args []interface{}
}

// BuildParams are the per-run values bound into cache INSERT statements.
type BuildParams struct {
	Start        models.Date
	End          models.Date
	DateInserted time.Time
}

// Filters narrows a cache read.
type Filters struct {
	Start          models.Date
	End            models.Date
	HPOIDs         []int64
	Statuses       []string
	Origins        []string
	Version        APIVersion
	Stratification Stratification
}

// MetricsRow is one element of every metrics response.
type MetricsRow struct {
	Date    models.Date            `json:"date"`
	HPO     string                 `json:"hpo,omitempty"`
	Metrics map[string]interface{} `json:"metrics"`
}
