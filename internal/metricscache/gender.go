package metricscache

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

// GenderDAO caches gender identity buckets per enrollment status.
type GenderDAO struct {
	bucketDimension
	vocab AnswerVocabulary
}

func NewGenderDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string, cb *Codebook, codes *repositories.CodeLookup) (*GenderDAO, error) {
	dim, err := newBucketDimension(db, ledger, TableGender, cacheType, coreSample, "gender_name", "gender_count")
	if err != nil {
		return nil, err
	}
	vocab := cb.Gender[dim.cacheType]
	dim.labeler = &answerLabeler{codes: codes, vocab: vocab, table: genderAnswersTable}
	return &GenderDAO{bucketDimension: dim, vocab: vocab}, nil
}

func (d *GenderDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	return d.latest(ctx, f, d.vocab.Keys)
}
