package metricscache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/models"
)

// CacheDAO is one dimension cache for one cache type.
type CacheDAO interface {
	Table() CacheTable
	Type() CacheType
	StatusTiers() Tiers

	// MetricsCacheSQL returns the INSERT ... SELECT statements that fill the
	// cache for one awardee's staging table over [p.Start, p.End].
	MetricsCacheSQL(ctx context.Context, hpo *models.HPO, p BuildParams) ([]Statement, error)

	GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error)
	UpdateHistoricalCacheData(ctx context.Context, idb bun.IDB, newTS, lastTS time.Time, start, end models.Date) (int64, error)
	DeleteOldRecords(ctx context.Context, nDaysAgo int) (int64, error)
}

// cacheDAO carries what every dimension shares: its table, its type, the
// ledger and the value columns copied when a generation is carried forward.
type cacheDAO struct {
	db        *bun.DB
	ledger    *JobStatusDAO
	table     CacheTable
	cacheType CacheType
	columns   []string
}

func newCacheDAO(db *bun.DB, ledger *JobStatusDAO, table CacheTable, cacheType string, columns []string) (cacheDAO, error) {
	t, err := ParseCacheType(cacheType)
	if err != nil {
		return cacheDAO{}, err
	}
	return cacheDAO{db: db, ledger: ledger, table: table, cacheType: t, columns: columns}, nil
}

func (d *cacheDAO) Table() CacheTable { return d.table }

func (d *cacheDAO) Type() CacheType { return d.cacheType }

func (d *cacheDAO) tiers() Tiers {
	if d.cacheType == PublicMetricsExportAPI {
		return ThreeTier
	}
	return FourTier
}

// StatusTiers returns the taxonomy request statuses resolve against.
func (d *cacheDAO) StatusTiers() Tiers { return d.tiers() }

// public reports whether rows are collapsed across awardees on read.
func (d *cacheDAO) public() bool {
	return d.cacheType == PublicMetricsExportAPI
}

var keyColumns = []string{"type", "hpo_id", "hpo_name", "date", "participant_origin"}

// UpdateHistoricalCacheData copies the rows of generation lastTS dated in
// [start, end] into generation newTS. The old generation stays intact so
// readers still pinned to it see a complete answer.
func (d *cacheDAO) UpdateHistoricalCacheData(ctx context.Context, idb bun.IDB, newTS, lastTS time.Time, start, end models.Date) (int64, error) {
	cols := strings.Join(append(append([]string{}, keyColumns...), d.columns...), ", ")
	stmt := newSQLBuilder().
		Add("INSERT INTO ? (date_inserted, "+cols+") ", bun.Ident(string(d.table))).
		Add("SELECT ?, "+cols+" FROM ?", TruncateRunTime(newTS), bun.Ident(string(d.table))).
		Add(" WHERE type = ? AND date_inserted = ? AND date BETWEEN ? AND ?",
			string(d.cacheType), TruncateRunTime(lastTS), start, end).
		Statement()

	n, err := stmt.Exec(ctx, idb)
	if err != nil {
		return 0, fmt.Errorf("carry forward %s/%s: %w", d.table, d.cacheType, err)
	}
	return n, nil
}

// DeleteOldRecords deletes generations older than the serving generation
// minus nDaysAgo days. Nothing is deleted while no generation is served.
func (d *cacheDAO) DeleteOldRecords(ctx context.Context, nDaysAgo int) (int64, error) {
	serving, ok, err := d.ledger.ServingGeneration(ctx, d.table, d.cacheType)
	if err != nil || !ok {
		return 0, err
	}
	cutoff := serving.AddDate(0, 0, -nDaysAgo)

	res, err := d.db.NewDelete().
		TableExpr("?", bun.Ident(string(d.table))).
		Where("type = ?", string(d.cacheType)).
		Where("date_inserted < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete old %s/%s: %w", d.table, d.cacheType, err)
	}
	return res.RowsAffected()
}

// generation resolves the generation to read. ok is false when none exists.
func (d *cacheDAO) generation(ctx context.Context) (time.Time, bool, error) {
	return d.ledger.ServingGeneration(ctx, d.table, d.cacheType)
}

// readQuery starts a read of generation gen with the common filters.
func (d *cacheDAO) readQuery(gen time.Time, f Filters) *bun.SelectQuery {
	q := d.db.NewSelect().
		TableExpr("? AS t", bun.Ident(string(d.table))).
		Where("t.type = ?", string(d.cacheType)).
		Where("t.date_inserted = ?", gen).
		Where("t.date BETWEEN ? AND ?", f.Start, f.End)
	if len(f.HPOIDs) > 0 && !d.public() {
		q = q.Where("t.hpo_id IN (?)", bun.In(f.HPOIDs))
	}
	if len(f.Origins) > 0 {
		q = q.Where("t.participant_origin IN (?)", bun.In(f.Origins))
	}
	return q
}

// rowGrouper folds rows into one MetricsRow per (date, hpo) in input order.
// Every row starts from a zero-filled copy of keys.
type rowGrouper struct {
	keys []string
	rows []MetricsRow
	idx  map[string]int
}

func newRowGrouper(keys []string) *rowGrouper {
	return &rowGrouper{keys: keys, idx: make(map[string]int)}
}

func (g *rowGrouper) row(date models.Date, hpo string) map[string]interface{} {
	k := date.String() + "|" + hpo
	if i, ok := g.idx[k]; ok {
		return g.rows[i].Metrics
	}
	m := make(map[string]interface{}, len(g.keys))
	for _, key := range g.keys {
		m[key] = int64(0)
	}
	g.idx[k] = len(g.rows)
	g.rows = append(g.rows, MetricsRow{Date: date, HPO: hpo, Metrics: m})
	return m
}

// add increments key, creating it when it is outside the fixed key set.
func (g *rowGrouper) add(date models.Date, hpo, key string, n int64) {
	m := g.row(date, hpo)
	cur, _ := m[key].(int64)
	m[key] = cur + n
}

// seedDates creates an empty unkeyed row for every day in [start, end].
func (g *rowGrouper) seedDates(start, end models.Date) {
	if start.IsZero() || end.IsZero() {
		return
	}
	for d := start; !d.After(end); d = d.AddDays(1) {
		g.row(d, "")
	}
}

func (g *rowGrouper) result() []MetricsRow {
	if g.rows == nil {
		return []MetricsRow{}
	}
	return g.rows
}
