package metricscache

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// Live response keys.
const (
	KeyEHRConsent = "EHR_CONSENT"
	KeyEHRRatio   = "EHR_RATIO"
)

// LiveDAO answers the stratifications that can be computed straight from
// participant_summary without a cache. Every query walks the calendar
// between Start and End, so days without participants are present as zero.
type LiveDAO struct {
	db      *bun.DB
	origins *ParticipantOriginDAO
	coreCol string
}

func NewLiveDAO(db *bun.DB, coreSample string) *LiveDAO {
	return &LiveDAO{db: db, origins: NewParticipantOriginDAO(db), coreCol: CoreSampleColumn(coreSample)}
}

// WithCoreSample returns a copy reading the given core sample definition.
func (d *LiveDAO) WithCoreSample(coreSample string) *LiveDAO {
	if coreSample == "" {
		return d
	}
	cp := *d
	cp.coreCol = CoreSampleColumn(coreSample)
	return &cp
}

// GetResults dispatches on f.Stratification. Statuses in f are stored
// status names (see ResolveStatuses with FourTier).
func (d *LiveDAO) GetResults(ctx context.Context, f Filters) ([]MetricsRow, error) {
	switch f.Stratification {
	case StratTotal:
		return d.total(ctx, f)
	case StratEnrollmentStatus:
		return d.enrollmentStatus(ctx, f)
	case StratEHRConsent, StratEHRRatio:
		return d.ehr(ctx, f)
	case StratParticipantOrigin:
		return d.participantOrigin(ctx, f)
	}
	return nil, BadRequestf("stratification %s is not available without history", f.Stratification)
}

func (d *LiveDAO) ref() columnRef {
	return liveRef(d.coreCol)
}

// statuses are the requested statuses, or all of them.
func (d *LiveDAO) statuses(f Filters) []string {
	if len(f.Statuses) > 0 {
		return f.Statuses
	}
	return StatusNames(FourTier)
}

// count builds a correlated COUNT(*) over eligible participants for the
// calendar day c.day.
func (d *LiveDAO) count(f Filters, conds ...string) *bun.SelectQuery {
	q := eligibleParticipants(d.db).ColumnExpr("COUNT(*)")
	if len(f.HPOIDs) > 0 {
		q = q.Where("p.hpo_id IN (?)", bun.In(f.HPOIDs))
	}
	if len(f.Origins) > 0 {
		q = q.Where(originExpr+" IN (?)", bun.In(f.Origins))
	}
	for _, c := range conds {
		q = q.Where(c)
	}
	return q
}

func (d *LiveDAO) calendar(f Filters) *bun.SelectQuery {
	return d.db.NewSelect().
		TableExpr("calendar AS c").
		ColumnExpr("c.day AS date").
		Where("c.day BETWEEN ? AND ?", f.Start, f.End).
		OrderExpr("c.day ASC")
}

type liveTotalRow struct {
	Date  models.Date `bun:"date"`
	Total int64       `bun:"total"`
	EHR   int64       `bun:"ehr"`
}

func (d *LiveDAO) total(ctx context.Context, f Filters) ([]MetricsRow, error) {
	active := anyWindow(FourTier, d.statuses(f), d.ref(), "c.day")
	q := d.calendar(f).ColumnExpr("(?) AS total", d.count(f, active))

	var rows []liveTotalRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("live %s: %w", f.Stratification, err)
	}
	g := newRowGrouper([]string{KeyTotal})
	for _, r := range rows {
		g.add(r.Date, "", KeyTotal, r.Total)
	}
	return g.result(), nil
}

func (d *LiveDAO) enrollmentStatus(ctx context.Context, f Filters) ([]MetricsRow, error) {
	q := d.calendar(f)
	for _, w := range Windows(FourTier) {
		q = q.ColumnExpr("(?) AS ?", d.count(f, w.predicate(d.ref(), "c.day")), bun.Ident(w.Status))
	}

	var rows []EnrollmentRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("live %s: %w", f.Stratification, err)
	}
	keep := make(map[string]bool)
	for _, s := range d.statuses(f) {
		keep[s] = true
	}

	g := newEnrollmentGrouper(f.Version, false)
	for _, r := range rows {
		r.mask(keep)
		g.addRow(r)
	}
	return g.result(), nil
}

func (d *LiveDAO) ehr(ctx context.Context, f Filters) ([]MetricsRow, error) {
	ref := d.ref()
	active := anyWindow(FourTier, d.statuses(f), ref, "c.day")
	q := d.calendar(f).
		ColumnExpr("(?) AS total", d.count(f, active)).
		ColumnExpr("(?) AS ehr", d.count(f, active, reachedBy(ref, colEHRConsent, "c.day")))

	var rows []liveTotalRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("live %s: %w", f.Stratification, err)
	}

	out := make([]MetricsRow, 0, len(rows))
	for _, r := range rows {
		m := map[string]interface{}{KeyEHRConsent: r.EHR}
		if f.Stratification == StratEHRRatio {
			ratio := 0.0
			if r.Total > 0 {
				ratio = float64(r.EHR) / float64(r.Total)
			}
			m = map[string]interface{}{KeyEHRRatio: ratio}
		}
		out = append(out, MetricsRow{Date: r.Date, Metrics: m})
	}
	return out, nil
}

func (d *LiveDAO) participantOrigin(ctx context.Context, f Filters) ([]MetricsRow, error) {
	origins, err := d.origins.GetParticipantOrigins(ctx)
	if err != nil {
		return nil, err
	}
	if len(f.Origins) > 0 {
		origins = f.Origins
	}

	q := d.calendar(f)
	for i, o := range origins {
		alias := fmt.Sprintf("origin_%d", i)
		q = q.ColumnExpr("(?) AS ?",
			d.count(f, anyWindow(FourTier, d.statuses(f), d.ref(), "c.day")).
				Where(originExpr+" = ?", o),
			bun.Ident(alias))
	}

	var rows []map[string]interface{}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("live %s: %w", f.Stratification, err)
	}

	g := newRowGrouper(origins)
	for _, r := range rows {
		var date models.Date
		if err := date.Scan(r["date"]); err != nil {
			return nil, fmt.Errorf("live %s: %w", f.Stratification, err)
		}
		g.row(date, "")
		for i, o := range origins {
			g.add(date, "", o, asInt64(r[fmt.Sprintf("origin_%d", i)]))
		}
	}
	return g.result(), nil
}
