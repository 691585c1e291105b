package metricscache

import (
	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

// Dimensions is the set of dimension caches built for one cache type.
// Region and Language are nil for types that do not carry them.
type Dimensions struct {
	Type       CacheType
	Enrollment *EnrollmentStatusDAO
	Gender     *GenderDAO
	Age        *AgeDAO
	Race       *RaceDAO
	Region     *RegionDAO
	Lifecycle  *LifecycleDAO
	Language   *LanguageDAO
}

// NewDimensions builds every dimension cache cacheType carries.
func NewDimensions(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string, cb *Codebook, codes *repositories.CodeLookup) (*Dimensions, error) {
	t, err := ParseCacheType(cacheType)
	if err != nil {
		return nil, err
	}
	d := &Dimensions{Type: t}

	if d.Enrollment, err = NewEnrollmentStatusDAO(db, ledger, cacheType, coreSample); err != nil {
		return nil, err
	}
	if d.Gender, err = NewGenderDAO(db, ledger, cacheType, coreSample, cb, codes); err != nil {
		return nil, err
	}
	if d.Age, err = NewAgeDAO(db, ledger, cacheType, coreSample, cb); err != nil {
		return nil, err
	}
	if d.Race, err = NewRaceDAO(db, ledger, cacheType, coreSample, cb, codes); err != nil {
		return nil, err
	}
	if d.Lifecycle, err = NewLifecycleDAO(db, ledger, cacheType, coreSample); err != nil {
		return nil, err
	}
	if t == MetricsV2API {
		if d.Region, err = NewRegionDAO(db, ledger, cacheType, coreSample, cb); err != nil {
			return nil, err
		}
		if d.Language, err = NewLanguageDAO(db, ledger, cacheType, coreSample); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// All lists the non-nil dimension caches in refresh order.
func (d *Dimensions) All() []CacheDAO {
	out := []CacheDAO{d.Enrollment, d.Gender, d.Age, d.Race}
	if d.Region != nil {
		out = append(out, d.Region)
	}
	out = append(out, d.Lifecycle)
	if d.Language != nil {
		out = append(out, d.Language)
	}
	return out
}

// For returns the cache answering st, if this type carries one.
func (d *Dimensions) For(st Stratification) (CacheDAO, bool) {
	switch {
	case st == StratTotal, st == StratEnrollmentStatus:
		return d.Enrollment, true
	case st == StratGenderIdentity:
		return d.Gender, true
	case st == StratAgeRange:
		return d.Age, true
	case st == StratRace:
		return d.Race, true
	case st == StratLifecycle:
		return d.Lifecycle, true
	case st == StratLanguage && d.Language != nil:
		return d.Language, true
	case st.IsRegion() && d.Region != nil:
		return d.Region, true
	}
	return nil, false
}
