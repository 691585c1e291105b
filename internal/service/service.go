package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/config"
	"github.com/mkoziy/rdr/metricscache/internal/metrics"
	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/repositories"
)

// Options are the refresh and query knobs of the service.
type Options struct {
	HistoryStart              models.Date
	RecentWindowDays          int
	CoreSampleTime            string
	StagingWorkers            int
	DefaultRetentionDays      int
	CarryForwardRetentionDays int
	CarryForwardTypes         []metricscache.CacheType
	MaxLiveDays               int
	MaxHistoryDays            int
}

// OptionsFromConfig maps a validated config onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		HistoryStart:              cfg.Refresh.HistoryStartDate(),
		RecentWindowDays:          cfg.Refresh.RecentWindowDays,
		CoreSampleTime:            cfg.Refresh.CoreSampleTime,
		StagingWorkers:            cfg.Refresh.StagingWorkers,
		DefaultRetentionDays:      cfg.Refresh.DefaultRetentionDays,
		CarryForwardRetentionDays: cfg.Refresh.CarryForwardRetentionDays,
		CarryForwardTypes:         cfg.Refresh.CarryForward(),
		MaxLiveDays:               cfg.Server.MaxLiveDays,
		MaxHistoryDays:            cfg.Server.MaxHistoryDays,
	}
}

// cacheTypes is the refresh order of cache types.
var cacheTypes = []metricscache.CacheType{metricscache.MetricsV2API, metricscache.PublicMetricsExportAPI}

// ParticipantCountsOverTime refreshes the metrics cache and answers
// metrics queries from it or from live SQL.
type ParticipantCountsOverTime struct {
	db     *bun.DB
	logger *zap.Logger
	opts   Options

	ledger  *metricscache.JobStatusDAO
	staging *metricscache.StagingBuilder
	codes   *repositories.CodeLookup
	dims    map[metricscache.CacheType]*metricscache.Dimensions
	live    *metricscache.LiveDAO
	sites   *metricscache.SitesDAO
	origins *metricscache.ParticipantOriginDAO

	// awardees caches name -> *models.HPO for request validation.
	awardees *cache.Cache
}

// New wires the service. It fails when the codebook or a dimension cannot
// be built.
func New(db *bun.DB, logger *zap.Logger, opts Options) (*ParticipantCountsOverTime, error) {
	cb, err := metricscache.DefaultCodebook()
	if err != nil {
		return nil, fmt.Errorf("load codebook: %w", err)
	}

	s := &ParticipantCountsOverTime{
		db:       db,
		logger:   logger,
		opts:     opts,
		ledger:   metricscache.NewJobStatusDAO(db, opts.CarryForwardTypes),
		staging:  metricscache.NewStagingBuilder(db, logger, opts.StagingWorkers),
		codes:    repositories.NewCodeLookup(db),
		dims:     make(map[metricscache.CacheType]*metricscache.Dimensions, len(cacheTypes)),
		live:     metricscache.NewLiveDAO(db, opts.CoreSampleTime),
		sites:    metricscache.NewSitesDAO(db),
		origins:  metricscache.NewParticipantOriginDAO(db),
		awardees: cache.New(10*time.Minute, 30*time.Minute),
	}
	for _, t := range cacheTypes {
		d, err := metricscache.NewDimensions(db, s.ledger, string(t), opts.CoreSampleTime, cb, s.codes)
		if err != nil {
			return nil, fmt.Errorf("build %s dimensions: %w", t, err)
		}
		s.dims[t] = d
	}
	return s, nil
}

// Ledger exposes the job-status ledger for the scheduler and CLI.
func (s *ParticipantCountsOverTime) Ledger() *metricscache.JobStatusDAO {
	return s.ledger
}

// InitTmpTables builds the per-awardee staging snapshot.
func (s *ParticipantCountsOverTime) InitTmpTables(ctx context.Context) error {
	s.codes.Forget()
	if err := s.staging.Build(ctx); err != nil {
		return fmt.Errorf("init tmp tables: %w", err)
	}
	metrics.StagingTables.Set(float64(len(s.staging.Awardees())))
	return nil
}

// CleanTmpTables drops every staging table.
func (s *ParticipantCountsOverTime) CleanTmpTables(ctx context.Context) error {
	if err := s.staging.Clean(ctx); err != nil {
		return fmt.Errorf("clean tmp tables: %w", err)
	}
	metrics.StagingTables.Set(0)
	return nil
}

// RefreshRequest is one stage of a refresh cycle. CronjobTime identifies
// the cycle; every run it starts is stamped with its truncation.
type RefreshRequest struct {
	Start       models.Date
	End         models.Date
	Stage       metricscache.Stage
	CronjobTime time.Time
}

// RefreshMetricsCacheData runs one stage for every dimension of every
// cache type. A failing dimension does not stop the others; the returned
// error collects all of them.
func (s *ParticipantCountsOverTime) RefreshMetricsCacheData(ctx context.Context, req RefreshRequest) error {
	var result *multierror.Error
	for _, t := range cacheTypes {
		carry := s.ledger.IsCarryForward(t)
		if req.Stage == metricscache.StageTwo && !carry {
			continue
		}
		for _, dao := range s.dims[t].All() {
			if err := ctx.Err(); err != nil {
				return multierror.Append(result, err).ErrorOrNil()
			}

			var err error
			switch {
			case req.Stage == metricscache.StageOne && !carry:
				err = s.refreshFull(ctx, dao, req)
			case req.Stage == metricscache.StageOne:
				err = s.refreshRecent(ctx, dao, req)
			default:
				err = s.refreshHistory(ctx, dao, req)
			}
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s/%s %s: %w", dao.Table(), dao.Type(), req.Stage, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// refreshFull recomputes the whole history of a recompute-always type and
// completes both stages at once.
func (s *ParticipantCountsOverTime) refreshFull(ctx context.Context, dao metricscache.CacheDAO, req RefreshRequest) error {
	run, err := s.ledger.Start(ctx, s.db, dao.Table(), dao.Type(), req.CronjobTime)
	if err != nil {
		return err
	}
	p := metricscache.BuildParams{Start: s.opts.HistoryStart, End: req.End, DateInserted: run.DateInserted}
	if err := s.track(ctx, dao, run, req.Stage, func() (int64, error) {
		return s.RefreshDataForMetricsCache(ctx, dao, run.RunID, p, metricscache.StageOne, metricscache.StageTwo)
	}); err != nil {
		return err
	}
	s.collect(ctx, dao, s.opts.DefaultRetentionDays)
	return nil
}

// refreshRecent computes the recent window of a carry-forward type. The
// run stays open until stage two fills in the history.
func (s *ParticipantCountsOverTime) refreshRecent(ctx context.Context, dao metricscache.CacheDAO, req RefreshRequest) error {
	run, err := s.ledger.Start(ctx, s.db, dao.Table(), dao.Type(), req.CronjobTime)
	if err != nil {
		return err
	}
	p := metricscache.BuildParams{Start: req.Start, End: req.End, DateInserted: run.DateInserted}
	return s.track(ctx, dao, run, req.Stage, func() (int64, error) {
		return s.RefreshDataForMetricsCache(ctx, dao, run.RunID, p, metricscache.StageOne)
	})
}

// refreshHistory completes a carry-forward run: the history range is
// copied from the last complete generation, or computed when there is
// none.
func (s *ParticipantCountsOverTime) refreshHistory(ctx context.Context, dao metricscache.CacheDAO, req RefreshRequest) error {
	run, err := s.ledger.FindInProgress(ctx, s.db, dao.Table(), dao.Type(), req.CronjobTime)
	if err != nil {
		return err
	}
	last, ok, err := s.ledger.GetLastCompleteStageTwoDataInsertedTime(ctx, dao.Table(), dao.Type())
	if err != nil {
		return err
	}

	if !ok {
		p := metricscache.BuildParams{Start: req.Start, End: req.End, DateInserted: run.DateInserted}
		if err := s.track(ctx, dao, run, req.Stage, func() (int64, error) {
			return s.RefreshDataForMetricsCache(ctx, dao, run.RunID, p, metricscache.StageTwo)
		}); err != nil {
			return err
		}
		s.collect(ctx, dao, s.opts.DefaultRetentionDays)
		return nil
	}

	if err := s.track(ctx, dao, run, req.Stage, func() (int64, error) {
		var copied int64
		err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			n, err := dao.UpdateHistoricalCacheData(ctx, tx, run.DateInserted, last, req.Start, req.End)
			if err != nil {
				return err
			}
			copied = n
			return s.ledger.CompleteStage(ctx, tx, run.RunID, metricscache.StageTwo)
		})
		return copied, err
	}); err != nil {
		return err
	}
	s.collect(ctx, dao, s.opts.CarryForwardRetentionDays)
	return nil
}

// RefreshDataForMetricsCache writes one dimension for every staged
// awardee over [p.Start, p.End] and completes the given stages of runID.
// All of it happens in one transaction, so a generation becomes visible
// only together with its ledger flip. Statements are prepared before the
// transaction opens.
func (s *ParticipantCountsOverTime) RefreshDataForMetricsCache(ctx context.Context, dao metricscache.CacheDAO, runID string, p metricscache.BuildParams, stages ...metricscache.Stage) (int64, error) {
	var stmts []metricscache.Statement
	for _, hpo := range s.staging.Awardees() {
		st, err := dao.MetricsCacheSQL(ctx, hpo, p)
		if err != nil {
			return 0, fmt.Errorf("build %s for %s: %w", dao.Table(), hpo.Name, err)
		}
		stmts = append(stmts, st...)
	}

	var written int64
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, st := range stmts {
			n, err := st.Exec(ctx, tx)
			if err != nil {
				return err
			}
			written += n
		}
		for _, stage := range stages {
			if err := s.ledger.CompleteStage(ctx, tx, runID, stage); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// track times fn and records its outcome. On failure the run is marked
// failed.
func (s *ParticipantCountsOverTime) track(ctx context.Context, dao metricscache.CacheDAO, run *models.MetricsCacheJobStatus, stage metricscache.Stage, fn func() (int64, error)) error {
	table, typ := string(dao.Table()), string(dao.Type())
	start := time.Now()

	n, err := fn()
	metrics.RefreshDuration.WithLabelValues(table, typ, stage.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RefreshFailures.WithLabelValues(table, typ, stage.String()).Inc()
		s.logger.Error("metrics cache refresh failed",
			zap.String("table", table),
			zap.String("type", typ),
			zap.String("stage", stage.String()),
			zap.String("run_id", run.RunID),
			zap.Error(err),
		)
		if mErr := s.ledger.MarkFailed(context.WithoutCancel(ctx), run.RunID, err); mErr != nil {
			s.logger.Error("mark run failed", zap.String("run_id", run.RunID), zap.Error(mErr))
		}
		return err
	}

	metrics.RowsWritten.WithLabelValues(table, typ).Add(float64(n))
	s.logger.Info("metrics cache refreshed",
		zap.String("table", table),
		zap.String("type", typ),
		zap.String("stage", stage.String()),
		zap.String("run_id", run.RunID),
		zap.Int64("rows", n),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// collect drops old generations and publishes the serving one. Errors are
// logged; the refresh itself already succeeded.
func (s *ParticipantCountsOverTime) collect(ctx context.Context, dao metricscache.CacheDAO, days int) {
	table, typ := string(dao.Table()), string(dao.Type())

	n, err := dao.DeleteOldRecords(ctx, days)
	if err != nil {
		s.logger.Warn("delete old cache records", zap.String("table", table), zap.String("type", typ), zap.Error(err))
	} else if n > 0 {
		metrics.RowsDeleted.WithLabelValues(table, typ).Add(float64(n))
	}

	if gen, ok, err := s.ledger.ServingGeneration(ctx, dao.Table(), dao.Type()); err == nil && ok {
		metrics.GenerationTimestamp.WithLabelValues(table, typ).Set(float64(gen.Unix()))
	}
}

// CycleRequests splits the cycle at now into its two stages: stage one
// covers the recent window ending today, stage two the history before it.
func (s *ParticipantCountsOverTime) CycleRequests(now time.Time) (RefreshRequest, RefreshRequest) {
	cronjobTime := metricscache.TruncateRunTime(now)
	end := models.NewDate(now)
	recentStart := end.AddDays(-s.opts.RecentWindowDays)
	if recentStart.Before(s.opts.HistoryStart) {
		recentStart = s.opts.HistoryStart
	}
	return RefreshRequest{Start: recentStart, End: end, Stage: metricscache.StageOne, CronjobTime: cronjobTime},
		RefreshRequest{Start: s.opts.HistoryStart, End: recentStart.AddDays(-1), Stage: metricscache.StageTwo, CronjobTime: cronjobTime}
}

// RunRefreshCycle is one scheduled refresh: staging, stage one over the
// recent window, stage two over the older history. Staging tables are
// dropped however the cycle ends.
func (s *ParticipantCountsOverTime) RunRefreshCycle(ctx context.Context, now time.Time) (err error) {
	stageOne, stageTwo := s.CycleRequests(now)

	log := s.logger.With(zap.Time("cronjob_time", stageOne.CronjobTime))
	log.Info("metrics cache refresh started",
		zap.Stringer("recent_start", stageOne.Start),
		zap.Stringer("end", stageOne.End),
	)

	if err := s.InitTmpTables(ctx); err != nil {
		return err
	}
	defer func() {
		if cErr := s.CleanTmpTables(context.WithoutCancel(ctx)); cErr != nil {
			log.Error("clean tmp tables", zap.Error(cErr))
			err = multierror.Append(err, cErr).ErrorOrNil()
		}
	}()

	var result *multierror.Error
	for _, req := range []RefreshRequest{stageOne, stageTwo} {
		if err := s.RefreshMetricsCacheData(ctx, req); err != nil {
			result = multierror.Append(result, err)
		}
	}

	cutoff := stageOne.CronjobTime.AddDate(0, 0, -s.opts.CarryForwardRetentionDays)
	if n, dErr := s.ledger.DeleteOlderThan(ctx, cutoff); dErr != nil {
		log.Warn("prune job status ledger", zap.Error(dErr))
	} else if n > 0 {
		log.Info("pruned job status ledger", zap.Int64("rows", n))
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	log.Info("metrics cache refresh finished")
	return nil
}

// FilterParams are the raw query parameters of a metrics request.
type FilterParams struct {
	Stratification    string
	StartDate         string
	EndDate           string
	Awardees          []string
	EnrollmentStatus  []string
	ParticipantOrigin []string
	History           bool
	Version           string
	FilterBy          string
}

// GetFilteredResults validates p and answers it from the METRICS_V2_API
// cache (history requests and cache-only stratifications) or from live SQL.
func (s *ParticipantCountsOverTime) GetFilteredResults(ctx context.Context, p FilterParams) ([]metricscache.MetricsRow, error) {
	st, err := metricscache.ParseStratification(p.Stratification)
	if err != nil {
		return nil, err
	}

	dao, cached := s.dims[metricscache.MetricsV2API].For(st)
	useCache := cached && (p.History || st.CacheOnly())

	maxDays := s.opts.MaxLiveDays
	if useCache {
		maxDays = s.opts.MaxHistoryDays
	}
	f, err := s.baseFilters(st, p.StartDate, p.EndDate, maxDays)
	if err != nil {
		return nil, err
	}

	if f.Version, err = parseVersion(p.Version); err != nil {
		return nil, err
	}
	if f.HPOIDs, err = s.resolveAwardees(ctx, p.Awardees); err != nil {
		return nil, err
	}
	f.Origins = splitList(p.ParticipantOrigin)

	tiers := metricscache.FourTier
	if useCache {
		tiers = dao.StatusTiers()
	}
	if f.Statuses, err = metricscache.ResolveStatuses(splitList(p.EnrollmentStatus), tiers); err != nil {
		return nil, err
	}

	if useCache {
		return dao.GetLatestVersionFromCache(ctx, f)
	}
	if st.CacheOnly() {
		return nil, metricscache.BadRequestf("stratification %s is not available", st)
	}

	coreSample, err := parseCoreSample(p.FilterBy)
	if err != nil {
		return nil, err
	}
	return s.live.WithCoreSample(coreSample).GetResults(ctx, f)
}

// PublicParams are the raw query parameters of a public metrics request.
type PublicParams struct {
	Stratification    string
	StartDate         string
	EndDate           string
	EnrollmentStatus  []string
	ParticipantOrigin []string
}

// GetPublicMetrics answers p from the PUBLIC_METRICS_EXPORT_API cache.
func (s *ParticipantCountsOverTime) GetPublicMetrics(ctx context.Context, p PublicParams) ([]metricscache.MetricsRow, error) {
	st, err := metricscache.ParseStratification(p.Stratification)
	if err != nil {
		return nil, err
	}
	dao, ok := s.dims[metricscache.PublicMetricsExportAPI].For(st)
	if !ok {
		return nil, metricscache.BadRequestf("stratification %s is not available for public metrics", st)
	}

	f, err := s.baseFilters(st, p.StartDate, p.EndDate, s.opts.MaxHistoryDays)
	if err != nil {
		return nil, err
	}
	f.Version = metricscache.APIVersion1
	f.Origins = splitList(p.ParticipantOrigin)
	if f.Statuses, err = metricscache.ResolveStatuses(splitList(p.EnrollmentStatus), dao.StatusTiers()); err != nil {
		return nil, err
	}
	return dao.GetLatestVersionFromCache(ctx, f)
}

// GetSitesCount is the number of distinct enrolling sites.
func (s *ParticipantCountsOverTime) GetSitesCount(ctx context.Context) (int64, error) {
	return s.sites.GetSitesCount(ctx)
}

// GetParticipantOrigins lists the known participant origins.
func (s *ParticipantCountsOverTime) GetParticipantOrigins(ctx context.Context) ([]string, error) {
	return s.origins.GetParticipantOrigins(ctx)
}

func (s *ParticipantCountsOverTime) baseFilters(st metricscache.Stratification, startDate, endDate string, maxDays int) (metricscache.Filters, error) {
	if startDate == "" || endDate == "" {
		return metricscache.Filters{}, metricscache.BadRequestf("startDate and endDate are required")
	}
	start, err := models.ParseDate(startDate)
	if err != nil {
		return metricscache.Filters{}, metricscache.BadRequestf("invalid startDate %q: expected YYYY-MM-DD", startDate)
	}
	end, err := models.ParseDate(endDate)
	if err != nil {
		return metricscache.Filters{}, metricscache.BadRequestf("invalid endDate %q: expected YYYY-MM-DD", endDate)
	}
	if start.After(end) {
		return metricscache.Filters{}, metricscache.BadRequestf("startDate %s is after endDate %s", start, end)
	}
	if days := start.DaysUntil(end); days > maxDays {
		return metricscache.Filters{}, metricscache.BadRequestf("date range of %d days exceeds the maximum of %d", days, maxDays)
	}
	return metricscache.Filters{Start: start, End: end, Stratification: st}, nil
}

// resolveAwardees maps awardee names to ids, consulting the TTL cache
// first. Unknown names are a client error.
func (s *ParticipantCountsOverTime) resolveAwardees(ctx context.Context, raw []string) ([]int64, error) {
	names := splitList(raw)
	if len(names) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(names))
	var missing []string
	for _, n := range names {
		if v, ok := s.awardees.Get(n); ok {
			ids = append(ids, v.(*models.HPO).HPOID)
			continue
		}
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return ids, nil
	}

	hpos, err := repositories.GetAwardeesByName(ctx, s.db, missing)
	var unknown *repositories.UnknownAwardeeError
	if errors.As(err, &unknown) {
		return nil, metricscache.BadRequestf("%s", unknown.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("resolve awardees: %w", err)
	}
	for _, h := range hpos {
		s.awardees.SetDefault(h.Name, h)
		ids = append(ids, h.HPOID)
	}
	return ids, nil
}

func parseVersion(v string) (metricscache.APIVersion, error) {
	switch strings.TrimSpace(v) {
	case "", "1":
		return metricscache.APIVersion1, nil
	case "2":
		return metricscache.APIVersion2, nil
	}
	return 0, metricscache.BadRequestf("invalid version %q", v)
}

func parseCoreSample(v string) (string, error) {
	switch s := strings.ToUpper(strings.TrimSpace(v)); s {
	case "":
		return "", nil
	case metricscache.CoreSampleStored, metricscache.CoreSampleOrdered:
		return s, nil
	}
	return "", metricscache.BadRequestf("invalid filterBy %q", v)
}

// splitList flattens repeated and comma-separated values, dropping blanks.
func splitList(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, v := range strings.Split(r, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
