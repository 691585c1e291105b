package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/ratelimit"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 100, cfg.Server.MaxLiveDays)
	require.Equal(t, 600, cfg.Server.MaxHistoryDays)
	require.Equal(t, metricscache.CoreSampleStored, cfg.Refresh.CoreSampleTime)
	require.Equal(t, 7, cfg.Refresh.DefaultRetentionDays)
	require.Equal(t, 30, cfg.Refresh.CarryForwardRetentionDays)
	require.Equal(t, []metricscache.CacheType{metricscache.PublicMetricsExportAPI}, cfg.Refresh.CarryForward())
	require.Equal(t, "2017-05-30", cfg.Refresh.HistoryStartDate().String())

	live, err := cfg.Get(ratelimit.PolicyLiveQueries)
	require.NoError(t, err)
	require.Equal(t, ratelimit.DefaultConfig(), live)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  dsn: file:test.db
  slow_query_threshold: 500ms
server:
  addr: 127.0.0.1:9000
  max_live_days: 30
  trusted_proxies: ["10.1.2.3/8", "192.168.1.5"]
refresh:
  core_sample_time: ordered
  recent_window_days: 10
  carry_forward_types: []
rate_limits:
  live_queries:
    requests_per_second: 5
    burst: 20
`))
	require.NoError(t, err)

	require.Equal(t, "file:test.db", cfg.Database.DSN)
	require.Equal(t, 500*time.Millisecond, cfg.Database.SlowQueryThreshold)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, 30, cfg.Server.MaxLiveDays)
	proxies, err := cfg.Server.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.5/32"),
	}, proxies)
	require.Equal(t, metricscache.CoreSampleOrdered, cfg.Refresh.CoreSampleTime)
	require.Equal(t, 10, cfg.Refresh.RecentWindowDays)
	require.Empty(t, cfg.Refresh.CarryForward())

	live, err := cfg.Get(ratelimit.PolicyLiveQueries)
	require.NoError(t, err)
	require.Equal(t, 5.0, live.RequestsPerSec)
	require.Equal(t, 20, live.Burst)
	require.Equal(t, ratelimit.StrategyTokenBucket, live.Strategy)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad history start", "refresh:\n  history_start: yesterday\n"},
		{"bad core sample", "refresh:\n  core_sample_time: SHIPPED\n"},
		{"bad carry forward type", "refresh:\n  carry_forward_types: [METRICS_V9_API]\n"},
		{"live window above history window", "server:\n  max_live_days: 700\n"},
		{"bad trusted proxy", "server:\n  trusted_proxies: [lb.internal]\n"},
		{"malformed", "server: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: :7000\n"), 0o600))

	t.Setenv("RDR_ADDR", ":7001")
	t.Setenv("RDR_DB_DSN", "file:env.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7001", cfg.Server.Addr)
	require.Equal(t, "file:env.db", cfg.Database.DSN)
	require.Equal(t, "debug", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
