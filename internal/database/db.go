package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/mkoziy/rdr/metricscache/internal/metrics"
)

// Options configures NewDB.
type Options struct {
	DSN                string
	Debug              bool
	SlowQueryThreshold time.Duration
	MaxOpenConns       int
	Logger             *zap.Logger
}

// NewDB opens a SQLite database with sane defaults, query instrumentation
// and optional debug logging.
func NewDB(opts Options) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(opts.MaxOpenConns)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	db.AddQueryHook(&QueryHook{logger: logger, slow: opts.SlowQueryThreshold})

	if opts.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	// Apply recommended pragmas for write-ahead logging and performance.
	if _, err := db.Exec(`
        PRAGMA journal_mode = WAL;
        PRAGMA synchronous = NORMAL;
        PRAGMA foreign_keys = ON;
        PRAGMA cache_size = -64000;
        PRAGMA busy_timeout = 5000;
    `); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// QueryHook records query latency and errors and logs slow statements.
type QueryHook struct {
	logger *zap.Logger
	slow   time.Duration
}

var _ bun.QueryHook = (*QueryHook)(nil)

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	op := strings.ToLower(event.Operation())
	took := time.Since(event.StartTime)
	metrics.DBQueryDuration.WithLabelValues(op).Observe(took.Seconds())

	if event.Err != nil && event.Err != sql.ErrNoRows {
		metrics.DBQueryErrors.WithLabelValues(op).Inc()
		h.logger.Debug("query failed", zap.String("operation", op), zap.Error(event.Err))
		return
	}
	if h.slow > 0 && took >= h.slow {
		h.logger.Warn("slow query",
			zap.String("operation", op),
			zap.Duration("took", took),
			zap.String("query", truncate(event.Query, 512)),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
