package metricscache

import (
	"context"
	"fmt"

	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

const (
	genderAnswersTable = "participant_gender_answers"
	raceAnswersTable   = "participant_race_answers"
)

// answerLabeler labels a participant from the checkbox answers of The
// Basics: unset until The Basics is authored, the vocabulary's multiple
// label for more than one answer, else the mapped label of the single
// answer. Code values resolve to ids through the code lookup.
type answerLabeler struct {
	codes *repositories.CodeLookup
	vocab AnswerVocabulary
	table string
}

func (l *answerLabeler) noneChecked() string {
	if l.vocab.NoneChecked != "" {
		return l.vocab.NoneChecked
	}
	return l.vocab.Unset
}

func (l *answerLabeler) labelSQL(ctx context.Context) (string, []interface{}, error) {
	values := l.vocab.CodeValues()
	ids, err := l.codes.Resolve(ctx, values)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s codes: %w", l.table, err)
	}

	answers := " FROM " + l.table + " AS a WHERE a.participant_id = ps.participant_id"
	count := "(SELECT COUNT(*)" + answers + ")"

	b := newSQLBuilder().
		Add("(CASE WHEN "+ps(colBasics)+" IS NULL OR "+dayOf(ps(colBasics))+" > c.day THEN ?", l.vocab.Unset).
		Add(" WHEN "+count+" = 0 THEN ?", l.noneChecked()).
		Add(" WHEN "+count+" > 1 THEN ?", l.vocab.Multiple).
		Add(" ELSE COALESCE((SELECT ")

	var mapped int
	for _, v := range values {
		id, ok := ids[v]
		if !ok {
			continue
		}
		if mapped == 0 {
			b.Add("CASE a.code_id")
		}
		b.Add(" WHEN ? THEN ?", id, l.vocab.Codes[v])
		mapped++
	}
	if mapped == 0 {
		b.Add("?", l.vocab.Other)
	} else {
		b.Add(" ELSE ? END", l.vocab.Other)
	}

	stmt := b.Add(answers+" LIMIT 1), ?) END)", l.vocab.Unset).Statement()
	return stmt.SQL, stmt.Args, nil
}
