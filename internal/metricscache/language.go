package metricscache

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// Language buckets.
const (
	LanguageEnglish = "EN"
	LanguageSpanish = "ES"
	LanguageUnset   = "UNSET"
)

type languageLabeler struct{}

func (languageLabeler) labelSQL(context.Context) (string, []interface{}, error) {
	stmt := newSQLBuilder().
		Add("(CASE WHEN ps.primary_language LIKE ? THEN ?", "en%", LanguageEnglish).
		Add(" WHEN ps.primary_language LIKE ? THEN ?", "es%", LanguageSpanish).
		Add(" ELSE ? END)", LanguageUnset).
		Statement()
	return stmt.SQL, stmt.Args, nil
}

// LanguageDAO caches primary language buckets over the three-tier
// taxonomy. It only serves METRICS_V2_API.
type LanguageDAO struct {
	bucketDimension
}

func NewLanguageDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string) (*LanguageDAO, error) {
	dim, err := newBucketDimension(db, ledger, TableLanguage, cacheType, coreSample, "language_name", "language_count")
	if err != nil {
		return nil, err
	}
	if dim.cacheType != MetricsV2API {
		return nil, fmt.Errorf("%w: %s has no language cache", ErrInvalidCacheType, dim.cacheType)
	}
	dim.labeler = languageLabeler{}
	dim.statusTiers = ThreeTier
	return &LanguageDAO{bucketDimension: dim}, nil
}

func (d *LanguageDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	return d.latest(ctx, f, []string{LanguageEnglish, LanguageSpanish, LanguageUnset})
}
