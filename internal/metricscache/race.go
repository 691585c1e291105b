package metricscache

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

// RaceDAO caches race/ethnicity buckets per enrollment status.
// Participants who took The Basics but checked nothing are
// No_Ancestry_Checked; those who never took it are Unset_No_Basics.
type RaceDAO struct {
	bucketDimension
	vocab AnswerVocabulary
}

func NewRaceDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string, cb *Codebook, codes *repositories.CodeLookup) (*RaceDAO, error) {
	dim, err := newBucketDimension(db, ledger, TableRace, cacheType, coreSample, "race_name", "race_count")
	if err != nil {
		return nil, err
	}
	vocab := cb.Race[dim.cacheType]
	dim.labeler = &answerLabeler{codes: codes, vocab: vocab, table: raceAnswersTable}
	return &RaceDAO{bucketDimension: dim, vocab: vocab}, nil
}

func (d *RaceDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	return d.latest(ctx, f, d.vocab.Keys)
}
