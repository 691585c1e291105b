package metricscache

import (
	"context"

	"github.com/uptrace/bun"
)

// ageOn is the participant's age in whole years on c.day.
const ageOn = "(CAST(strftime('%Y', c.day) AS INTEGER) - CAST(strftime('%Y', ps.date_of_birth) AS INTEGER)" +
	" - (CASE WHEN strftime('%m-%d', c.day) < strftime('%m-%d', ps.date_of_birth) THEN 1 ELSE 0 END))"

type ageLabeler struct {
	vocab AgeVocabulary
}

func (l *ageLabeler) labelSQL(context.Context) (string, []interface{}, error) {
	b := newSQLBuilder().Add("(CASE WHEN ps.date_of_birth IS NULL THEN ?", l.vocab.Unset)
	last := l.vocab.Unset
	for _, r := range l.vocab.Ranges {
		if r.Max == nil {
			last = r.Label
			continue
		}
		b.Add(" WHEN "+ageOn+" <= ? THEN ?", *r.Max, r.Label)
	}
	stmt := b.Add(" ELSE ? END)", last).Statement()
	return stmt.SQL, stmt.Args, nil
}

// AgeDAO caches age range buckets per enrollment status. A missing date of
// birth is UNSET.
type AgeDAO struct {
	bucketDimension
	vocab AgeVocabulary
}

func NewAgeDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string, cb *Codebook) (*AgeDAO, error) {
	dim, err := newBucketDimension(db, ledger, TableAge, cacheType, coreSample, "age_range", "age_count")
	if err != nil {
		return nil, err
	}
	vocab := cb.Age[dim.cacheType]
	dim.labeler = &ageLabeler{vocab: vocab}
	return &AgeDAO{bucketDimension: dim, vocab: vocab}, nil
}

func (d *AgeDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	return d.latest(ctx, f, d.vocab.Keys())
}
