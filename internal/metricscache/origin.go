package metricscache

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

// ParticipantOriginDAO lists participant origins. It reads the lookup
// table built with the staging tables and falls back to participant when
// no refresh has built it yet.
type ParticipantOriginDAO struct {
	db *bun.DB
}

func NewParticipantOriginDAO(db *bun.DB) *ParticipantOriginDAO {
	return &ParticipantOriginDAO{db: db}
}

func (d *ParticipantOriginDAO) GetParticipantOrigins(ctx context.Context) ([]string, error) {
	var exists int
	err := d.db.NewRaw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", OriginLookupTable,
	).Scan(ctx, &exists)
	if err != nil {
		return nil, fmt.Errorf("check origin lookup: %w", err)
	}

	var origins []string
	q := d.db.NewSelect()
	if exists > 0 {
		q = q.TableExpr("? AS o", bun.Ident(OriginLookupTable)).
			ColumnExpr("o.participant_origin").
			OrderExpr("o.participant_origin ASC")
	} else {
		q = q.TableExpr("participant AS p").
			Join(summaryJoin).
			ColumnExpr("DISTINCT " + originExpr + " AS participant_origin").
			Where(originExpr + " IS NOT NULL").
			OrderExpr("participant_origin ASC")
	}
	if err := q.Scan(ctx, &origins); err != nil {
		return nil, fmt.Errorf("list participant origins: %w", err)
	}
	if origins == nil {
		origins = []string{}
	}
	return origins, nil
}
