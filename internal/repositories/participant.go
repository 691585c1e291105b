package repositories

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// ParticipantRecord bundles a participant with its summary and answers.
type ParticipantRecord struct {
	Participant   *models.Participant
	Summary       *models.ParticipantSummary
	GenderCodeIDs []int64
	RaceCodeIDs   []int64
}

// InsertParticipantWithData inserts a participant, its summary and its
// questionnaire answers in a transaction.
func InsertParticipantWithData(ctx context.Context, db bun.IDB, rec ParticipantRecord) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return insertParticipant(ctx, tx, rec)
	})
}

// InsertParticipants inserts many participant records in one transaction.
func InsertParticipants(ctx context.Context, db bun.IDB, recs []ParticipantRecord) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, rec := range recs {
			if err := insertParticipant(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertParticipant(ctx context.Context, tx bun.Tx, rec ParticipantRecord) error {
	if err := rec.Participant.Validate(); err != nil {
		return err
	}
	if _, err := tx.NewInsert().Model(rec.Participant).Exec(ctx); err != nil {
		return err
	}

	if rec.Summary == nil {
		return nil
	}
	rec.Summary.ParticipantID = rec.Participant.ParticipantID
	if err := rec.Summary.Validate(); err != nil {
		return err
	}
	if _, err := tx.NewInsert().Model(rec.Summary).Exec(ctx); err != nil {
		return err
	}

	if len(rec.GenderCodeIDs) > 0 {
		answers := make([]*models.ParticipantGenderAnswer, 0, len(rec.GenderCodeIDs))
		for _, id := range rec.GenderCodeIDs {
			answers = append(answers, &models.ParticipantGenderAnswer{ParticipantID: rec.Participant.ParticipantID, CodeID: id})
		}
		if _, err := tx.NewInsert().Model(&answers).Exec(ctx); err != nil {
			return err
		}
	}

	if len(rec.RaceCodeIDs) > 0 {
		answers := make([]*models.ParticipantRaceAnswer, 0, len(rec.RaceCodeIDs))
		for _, id := range rec.RaceCodeIDs {
			answers = append(answers, &models.ParticipantRaceAnswer{ParticipantID: rec.Participant.ParticipantID, CodeID: id})
		}
		if _, err := tx.NewInsert().Model(&answers).Exec(ctx); err != nil {
			return err
		}
	}

	return nil
}
