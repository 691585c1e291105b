package metricscache

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// labeler renders the bucket label of one staged participant on day c.day.
type labeler interface {
	labelSQL(ctx context.Context) (string, []interface{}, error)
}

// bucketDimension is the shared engine for the one-label-per-row caches
// (gender, age, race, region, language): one INSERT per enrollment window,
// each counting staged participants per (day, label, origin).
type bucketDimension struct {
	cacheDAO
	coreCol     string
	labelColumn string
	countColumn string
	joins       string
	labeler     labeler

	// statusTiers overrides the taxonomy rows are split by.
	statusTiers Tiers
}

func newBucketDimension(db *bun.DB, ledger *JobStatusDAO, table CacheTable, cacheType, coreSample, labelColumn, countColumn string) (bucketDimension, error) {
	base, err := newCacheDAO(db, ledger, table, cacheType, []string{"enrollment_status", labelColumn, countColumn})
	if err != nil {
		return bucketDimension{}, err
	}
	return bucketDimension{
		cacheDAO:    base,
		coreCol:     CoreSampleColumn(coreSample),
		labelColumn: labelColumn,
		countColumn: countColumn,
	}, nil
}

// StatusTiers returns the taxonomy rows are split by.
func (d *bucketDimension) StatusTiers() Tiers {
	if d.statusTiers != 0 {
		return d.statusTiers
	}
	return d.tiers()
}

func (d *bucketDimension) windows() []Window {
	return Windows(d.StatusTiers())
}

func (d *bucketDimension) MetricsCacheSQL(ctx context.Context, hpo *models.HPO, p BuildParams) ([]Statement, error) {
	label, labelArgs, err := d.labeler.labelSQL(ctx)
	if err != nil {
		return nil, err
	}

	ref := stagingRef(d.coreCol)
	var out []Statement
	for _, w := range d.windows() {
		b := newSQLBuilder().
			Add("INSERT INTO ? (date_inserted, type, hpo_id, hpo_name, enrollment_status, date, "+
				d.labelColumn+", "+d.countColumn+", participant_origin) ", bun.Ident(string(d.table))).
			Add("SELECT ?, ?, ?, ?, ?, x.day, x.label, COUNT(*), x.origin FROM (",
				TruncateRunTime(p.DateInserted), string(d.cacheType), hpo.HPOID, hpo.Name, w.Status).
			Add("SELECT c.day AS day, ps.participant_origin AS origin, ").
			Add(label, labelArgs...).
			Add(" AS label FROM ? AS ps", bun.Ident(StagingTableName(hpo.HPOID))).
			Add(d.joins).
			Add(" JOIN calendar AS c ON c.day BETWEEN ? AND ?", p.Start, p.End).
			Add(" WHERE " + w.predicate(ref, "c.day")).
			Add(") AS x GROUP BY x.day, x.label, x.origin")
		out = append(out, b.Statement())
	}
	return out, nil
}

// BucketRow is one aggregated (date[, awardee], bucket) count.
type BucketRow struct {
	Date    models.Date `bun:"date"`
	HPOID   int64       `bun:"hpo_id"`
	HPOName string      `bun:"hpo_name"`
	Bucket  string      `bun:"bucket"`
	Count   int64       `bun:"bucket_count"`
}

// GetActiveBuckets sums the serving generation's rows. It returns nil when
// no generation has completed yet.
func (d *bucketDimension) GetActiveBuckets(ctx context.Context, f Filters) ([]BucketRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return d.activeBuckets(ctx, gen, f, !d.public())
}

func (d *bucketDimension) activeBuckets(ctx context.Context, gen time.Time, f Filters, byAwardee bool) ([]BucketRow, error) {
	q := d.readQuery(gen, f).ColumnExpr("t.date AS date")
	if byAwardee {
		q = q.ColumnExpr("t.hpo_id AS hpo_id").ColumnExpr("t.hpo_name AS hpo_name")
	}
	q = q.ColumnExpr("t."+d.labelColumn+" AS bucket").
		ColumnExpr("SUM(t." + d.countColumn + ") AS bucket_count")
	if len(f.Statuses) > 0 {
		q = q.Where("t.enrollment_status IN (?)", bun.In(f.Statuses))
	}

	q = q.GroupExpr("t.date")
	if byAwardee {
		q = q.GroupExpr("t.hpo_id").GroupExpr("t.hpo_name")
	}
	q = q.GroupExpr("t." + d.labelColumn).OrderExpr("t.date ASC")
	if byAwardee {
		q = q.OrderExpr("t.hpo_id ASC")
	}
	q = q.OrderExpr("t." + d.labelColumn + " ASC")

	var rows []BucketRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", d.table, d.cacheType, err)
	}
	return rows, nil
}

// latest shapes the serving generation's rows over keys. It is empty only
// when no generation has completed; public output then still covers every
// day of the range.
func (d *bucketDimension) latest(ctx context.Context, f Filters, keys []string) ([]MetricsRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []MetricsRow{}, nil
	}
	rows, err := d.activeBuckets(ctx, gen, f, !d.public())
	if err != nil {
		return nil, err
	}
	return d.shape(rows, keys, f), nil
}

// shape zero-fills keys and folds bucket rows into response rows.
func (d *bucketDimension) shape(rows []BucketRow, keys []string, f Filters) []MetricsRow {
	g := newRowGrouper(keys)
	if d.public() {
		g.seedDates(f.Start, f.End)
	}
	for _, r := range rows {
		hpo := ""
		if !d.public() {
			hpo = r.HPOName
		}
		g.add(r.Date, hpo, r.Bucket, r.Count)
	}
	return g.result()
}
