package metricscache

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

const (
	statePrefix = "PIIState_"
	// StateUnset is the region bucket of participants without a state.
	StateUnset = "UNSET"
)

type regionLabeler struct{}

func (regionLabeler) labelSQL(context.Context) (string, []interface{}, error) {
	stmt := newSQLBuilder().
		Add("(CASE WHEN sc.value LIKE ? THEN UPPER(SUBSTR(sc.value, "+fmt.Sprint(len(statePrefix)+1)+")) ELSE ? END)",
			statePrefix+"%", StateUnset).
		Statement()
	return stmt.SQL, stmt.Args, nil
}

// RegionDAO caches raw state buckets. Census region and awardee rollups are
// derived on read. FULL_* stratifications read core participants only,
// GEO_* ones the requested statuses. It only serves METRICS_V2_API.
type RegionDAO struct {
	bucketDimension
	codebook *Codebook
}

func NewRegionDAO(db *bun.DB, ledger *JobStatusDAO, cacheType, coreSample string, cb *Codebook) (*RegionDAO, error) {
	dim, err := newBucketDimension(db, ledger, TableRegion, cacheType, coreSample, "state_name", "state_count")
	if err != nil {
		return nil, err
	}
	if dim.cacheType != MetricsV2API {
		return nil, fmt.Errorf("%w: %s has no region cache", ErrInvalidCacheType, dim.cacheType)
	}
	dim.labeler = regionLabeler{}
	dim.joins = " LEFT JOIN code AS sc ON sc.code_id = ps.state_id"
	return &RegionDAO{bucketDimension: dim, codebook: cb}, nil
}

// regionFilters applies the status rule of the stratification.
func regionFilters(f Filters) Filters {
	if strings.HasPrefix(string(f.Stratification), "FULL_") {
		f.Statuses = []string{StatusCore}
	}
	return f
}

// GetActiveBuckets returns state buckets per date, or per date and awardee
// for the awardee rollups.
func (d *RegionDAO) GetActiveBuckets(ctx context.Context, f Filters) ([]BucketRow, error) {
	gen, ok, err := d.generation(ctx)
	if err != nil || !ok {
		return nil, err
	}
	f = regionFilters(f)
	byAwardee := f.Stratification == StratFullAwardee || f.Stratification == StratGeoAwardee
	return d.activeBuckets(ctx, gen, f, byAwardee)
}

func (d *RegionDAO) GetLatestVersionFromCache(ctx context.Context, f Filters) ([]MetricsRow, error) {
	if !f.Stratification.IsRegion() {
		return nil, BadRequestf("invalid region stratification: %q", f.Stratification)
	}
	rows, err := d.GetActiveBuckets(ctx, f)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return []MetricsRow{}, nil
	}

	switch f.Stratification {
	case StratFullCensus, StratGeoCensus:
		g := newRowGrouper(d.codebook.CensusRegionNames())
		for _, r := range rows {
			region, ok := d.codebook.CensusRegion(r.Bucket)
			if !ok {
				continue
			}
			g.add(r.Date, "", region, r.Count)
		}
		return g.result(), nil

	case StratFullAwardee, StratGeoAwardee:
		awardees, err := repositories.ListAwardees(ctx, d.db)
		if err != nil {
			return nil, fmt.Errorf("list awardees: %w", err)
		}
		keys := make([]string, len(awardees))
		for i, a := range awardees {
			keys[i] = a.Name
		}
		g := newRowGrouper(keys)
		for _, r := range rows {
			g.add(r.Date, "", r.HPOName, r.Count)
		}
		return g.result(), nil

	default:
		g := newRowGrouper(append(d.codebook.RecognizedStates(), StateUnset))
		for _, r := range rows {
			g.add(r.Date, "", r.Bucket, r.Count)
		}
		return g.result(), nil
	}
}
