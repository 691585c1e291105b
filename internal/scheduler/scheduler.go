package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/metrics"
	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/ratelimit"
)

// ErrStuckRun is recorded on runs the watchdog gives up on.
var ErrStuckRun = errors.New("run exceeded the stuck run threshold")

// Refresher runs one refresh cycle.
type Refresher interface {
	RunRefreshCycle(ctx context.Context, now time.Time) error
}

// Ledger is the part of the job-status ledger the watchdog needs.
type Ledger interface {
	StuckRuns(ctx context.Context, olderThan time.Time) ([]*models.MetricsCacheJobStatus, error)
	MarkFailed(ctx context.Context, runID string, cause error) error
}

type Options struct {
	RefreshSpec       string
	WatchdogSpec      string
	StuckRunThreshold time.Duration
	// Live, when set, has idle client limiters pruned on every watchdog tick.
	Live *ratelimit.Keyed
}

// Scheduler triggers the nightly refresh and the stuck-run watchdog.
// Overlapping refreshes are skipped, so there is a single writer per cycle.
type Scheduler struct {
	cron      *cron.Cron
	log       cron.Logger
	refresher Refresher
	ledger    Ledger
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// New validates the cron specs and builds an idle scheduler.
func New(refresher Refresher, ledger Ledger, logger *zap.Logger, opts Options) (*Scheduler, error) {
	if _, err := cron.ParseStandard(opts.RefreshSpec); err != nil {
		return nil, fmt.Errorf("refresh cron spec %q: %w", opts.RefreshSpec, err)
	}
	if _, err := cron.ParseStandard(opts.WatchdogSpec); err != nil {
		return nil, fmt.Errorf("watchdog cron spec %q: %w", opts.WatchdogSpec, err)
	}

	l := zapLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		log:       l,
		refresher: refresher,
		ledger:    ledger,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// Run schedules the jobs and blocks until ctx is done, then waits for a
// running job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.opts.RefreshSpec, func() {
		if err := s.RefreshOnce(ctx); err != nil {
			s.log.Error(err, "scheduled refresh failed")
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.opts.WatchdogSpec, func() {
		if _, err := s.Watchdog(ctx); err != nil {
			s.log.Error(err, "watchdog failed")
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("refresh", s.opts.RefreshSpec),
		zap.String("watchdog", s.opts.WatchdogSpec),
	)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// RefreshOnce runs a refresh cycle stamped with the current time.
func (s *Scheduler) RefreshOnce(ctx context.Context) error {
	return s.refresher.RunRefreshCycle(ctx, s.now().UTC())
}

// Watchdog marks in-progress runs older than the threshold as failed and
// reports how many it found.
func (s *Scheduler) Watchdog(ctx context.Context) (int, error) {
	if s.opts.Live != nil {
		if n := s.opts.Live.Prune(s.now()); n > 0 {
			s.logger.Debug("pruned idle rate limiters", zap.Int("count", n))
		}
	}

	runs, err := s.ledger.StuckRuns(ctx, s.now().Add(-s.opts.StuckRunThreshold))
	if err != nil {
		return 0, fmt.Errorf("list stuck runs: %w", err)
	}
	metrics.StuckRuns.Set(float64(len(runs)))

	var result *multierror.Error
	for _, r := range runs {
		s.logger.Warn("marking stuck metrics cache run failed",
			zap.String("run_id", r.RunID),
			zap.String("table", r.CacheTableName),
			zap.String("type", r.Type),
			zap.Time("date_inserted", r.DateInserted),
		)
		if err := s.ledger.MarkFailed(ctx, r.RunID, ErrStuckRun); err != nil {
			result = multierror.Append(result, fmt.Errorf("mark %s failed: %w", r.RunID, err))
		}
	}
	return len(runs), result.ErrorOrNil()
}

// zapLogger adapts zap to cron.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
