package metricscache

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// Enrollment response keys.
const (
	KeyRegistered      = "registered"
	KeyParticipant     = "participant"
	KeyConsented       = "consented"
	KeyCore            = "core"
	KeyFullyConsented  = "fully_consented"
	KeyCoreParticipant = "core_participant"
	KeyTotal           = "TOTAL"
)

// EnrollmentStatusDAO caches per-day status counts. Public generations
// store the three-tier taxonomy and leave participant_count at zero.
type EnrollmentStatusDAO struct {
	cacheDAO
	coreCol string
}

func NewEnrollmentStatusDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string) (*EnrollmentStatusDAO, error) {
	base, err := newCacheDAO(db, ledger, TableEnrollmentStatus, cacheType,
		[]string{"registered_count", "participant_count", "consented_count", "core_count"})
	if err != nil {
		return nil, err
	}
	return &EnrollmentStatusDAO{cacheDAO: base, coreCol: CoreSampleColumn(coreSample)}, nil
}

func (d *EnrollmentStatusDAO) MetricsCacheSQL(_ context.Context, hpo *models.HPO, p BuildParams) ([]Statement, error) {
	ref := stagingRef(d.coreCol)
	t := d.tiers()

	count := func(status string) string {
		w, ok := WindowFor(t, status)
		if !ok {
			return "0"
		}
		return countIf(w.predicate(ref, "c.day"))
	}

	b := newSQLBuilder().
		Add("INSERT INTO ? (date_inserted, type, hpo_id, hpo_name, date, registered_count, participant_count, consented_count, core_count, participant_origin) ",
			bun.Ident(string(d.table))).
		Add("SELECT ?, ?, ?, ?, c.day, ", TruncateRunTime(p.DateInserted), string(d.cacheType), hpo.HPOID, hpo.Name).
		Add(count(StatusRegistered)+", "+count(StatusParticipant)+", "+count(StatusConsented)+", "+count(StatusCore)).
		Add(", ps.participant_origin FROM ? AS ps", bun.Ident(StagingTableName(hpo.HPOID))).
		Add(" JOIN calendar AS c ON c.day BETWEEN ? AND ?", p.Start, p.End).
		Add(" WHERE " + anyWindow(t, StatusNames(t), ref, "c.day")).
		Add(" GROUP BY c.day, ps.participant_origin")
	return []Statement{b.Statement()}, nil
}

// EnrollmentRow is one day's (optionally per-awardee) status counts.
type EnrollmentRow struct {
	Date        models.Date `bun:"date"`
	HPOID       int64       `bun:"hpo_id"`
	HPOName     string      `bun:"hpo_name"`
	Registered  int64       `bun:"registered"`
	Participant int64       `bun:"participant"`
	Consented   int64       `bun:"consented"`
	Core        int64       `bun:"core"`
}

// Total is the number of participants holding any status.
func (r EnrollmentRow) Total() int64 {
	return r.Registered + r.Participant + r.Consented + r.Core
}

// GetActiveBuckets sums the serving generation per date and, for
// non-public types, per awardee.
func (d *EnrollmentStatusDAO) GetActiveBuckets(ctx context.Context, f Filters) ([]EnrollmentRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return d.activeBuckets(ctx, gen, f, !d.public())
}

func (d *EnrollmentStatusDAO) activeBuckets(ctx context.Context, gen time.Time, f Filters, byAwardee bool) ([]EnrollmentRow, error) {
	q := d.readQuery(gen, f).ColumnExpr("t.date AS date")
	if byAwardee {
		q = q.ColumnExpr("t.hpo_id AS hpo_id").ColumnExpr("t.hpo_name AS hpo_name")
	}
	q = q.ColumnExpr("SUM(t.registered_count) AS registered").
		ColumnExpr("SUM(t.participant_count) AS participant").
		ColumnExpr("SUM(t.consented_count) AS consented").
		ColumnExpr("SUM(t.core_count) AS core").
		GroupExpr("t.date").
		OrderExpr("t.date ASC")
	if byAwardee {
		q = q.GroupExpr("t.hpo_id").GroupExpr("t.hpo_name").OrderExpr("t.hpo_id ASC")
	}

	var rows []EnrollmentRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", d.table, d.cacheType, err)
	}
	if len(f.Statuses) > 0 {
		keep := make(map[string]bool, len(f.Statuses))
		for _, s := range f.Statuses {
			keep[s] = true
		}
		for i := range rows {
			rows[i].mask(keep)
		}
	}
	return rows, nil
}

// mask zeroes the statuses outside keep.
func (r *EnrollmentRow) mask(keep map[string]bool) {
	if !keep[StatusRegistered] {
		r.Registered = 0
	}
	if !keep[StatusParticipant] {
		r.Participant = 0
	}
	if !keep[StatusConsented] {
		r.Consented = 0
	}
	if !keep[StatusCore] {
		r.Core = 0
	}
}

// GetLatestVersionFromCache shapes the serving generation by API version.
// A TOTAL stratification collapses awardees into one count per day.
func (d *EnrollmentStatusDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []MetricsRow{}, nil
	}

	if f.Stratification == StratTotal {
		rows, err := d.activeBuckets(ctx, gen, f, false)
		if err != nil {
			return nil, err
		}
		g := newRowGrouper([]string{KeyTotal})
		if d.public() {
			g.seedDates(f.Start, f.End)
		}
		for _, r := range rows {
			g.add(r.Date, "", KeyTotal, r.Total())
		}
		return g.result(), nil
	}

	rows, err := d.activeBuckets(ctx, gen, f, !d.public())
	if err != nil {
		return nil, err
	}

	g := newEnrollmentGrouper(f.Version, d.public())
	if d.public() {
		g.seedDates(f.Start, f.End)
	}
	for _, r := range rows {
		g.addRow(r)
	}
	return g.result(), nil
}

// enrollmentGrouper shapes status counts into the key set of an API
// version. Public output uses the three-tier names and no awardee.
type enrollmentGrouper struct {
	*rowGrouper
	version APIVersion
	public  bool
}

func newEnrollmentGrouper(v APIVersion, public bool) *enrollmentGrouper {
	keys := []string{KeyRegistered, KeyConsented, KeyCore}
	if v == APIVersion2 && !public {
		keys = []string{KeyRegistered, KeyParticipant, KeyFullyConsented, KeyCoreParticipant}
	}
	return &enrollmentGrouper{rowGrouper: newRowGrouper(keys), version: v, public: public}
}

func (g *enrollmentGrouper) addRow(r EnrollmentRow) {
	hpo := r.HPOName
	if g.public {
		hpo = ""
	}
	if g.version == APIVersion2 && !g.public {
		g.add(r.Date, hpo, KeyRegistered, r.Registered)
		g.add(r.Date, hpo, KeyParticipant, r.Participant)
		g.add(r.Date, hpo, KeyFullyConsented, r.Consented)
		g.add(r.Date, hpo, KeyCoreParticipant, r.Core)
		return
	}
	g.add(r.Date, hpo, KeyRegistered, r.Registered+r.Participant)
	g.add(r.Date, hpo, KeyConsented, r.Consented)
	g.add(r.Date, hpo, KeyCore, r.Core)
}

// countIf renders a conditional count.
func countIf(cond string) string {
	return "SUM(CASE WHEN " + cond + " THEN 1 ELSE 0 END)"
}
