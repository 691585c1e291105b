package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkoziy/rdr/metricscache/internal/metricscache"
	"github.com/mkoziy/rdr/metricscache/internal/models"
	"github.com/mkoziy/rdr/metricscache/internal/ratelimit"
)

// Config is the full service configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" json:"database"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Refresh  RefreshConfig  `yaml:"refresh" json:"refresh"`
	Log      LogConfig      `yaml:"log" json:"log"`

	ratelimit.Policies `yaml:",inline" json:"rate_limits"`
}

type DatabaseConfig struct {
	DSN                string        `yaml:"dsn" json:"dsn"`
	Debug              bool          `yaml:"debug" json:"debug"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" json:"addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxLiveDays    int           `yaml:"max_live_days" json:"max_live_days"`
	MaxHistoryDays int           `yaml:"max_history_days" json:"max_history_days"`
	// TrustedProxies lists the proxy addresses or CIDRs allowed to set
	// X-Forwarded-For. Empty means clients are keyed by peer address.
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single
// host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, raw := range s.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// RefreshConfig holds the cache refresh policy knobs.
type RefreshConfig struct {
	CronSpec                  string        `yaml:"cron_spec" json:"cron_spec"`
	HistoryStart              string        `yaml:"history_start" json:"history_start"`
	RecentWindowDays          int           `yaml:"recent_window_days" json:"recent_window_days"`
	CoreSampleTime            string        `yaml:"core_sample_time" json:"core_sample_time"`
	StagingWorkers            int           `yaml:"staging_workers" json:"staging_workers"`
	DefaultRetentionDays      int           `yaml:"default_retention_days" json:"default_retention_days"`
	CarryForwardRetentionDays int           `yaml:"carry_forward_retention_days" json:"carry_forward_retention_days"`
	CarryForwardTypes         []string      `yaml:"carry_forward_types" json:"carry_forward_types"`
	StuckRunThreshold         time.Duration `yaml:"stuck_run_threshold" json:"stuck_run_threshold"`
	WatchdogCronSpec          string        `yaml:"watchdog_cron_spec" json:"watchdog_cron_spec"`
}

// HistoryStartDate parses HistoryStart; call after Validate.
func (r RefreshConfig) HistoryStartDate() models.Date {
	d, _ := models.ParseDate(r.HistoryStart)
	return d
}

// CarryForward returns the carry-forward cache types; call after Validate.
func (r RefreshConfig) CarryForward() []metricscache.CacheType {
	out := make([]metricscache.CacheType, 0, len(r.CarryForwardTypes))
	for _, t := range r.CarryForwardTypes {
		ct, _ := metricscache.ParseCacheType(t)
		out = append(out, ct)
	}
	return out
}

type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return applyDefaults(Config{})
}

// Load reads a YAML file, applies defaults and environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := applyEnv(Default())
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = applyEnv(applyDefaults(cfg))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg Config) Config {
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:rdr.db?cache=shared"
	}
	if cfg.Database.SlowQueryThreshold <= 0 {
		cfg.Database.SlowQueryThreshold = 2 * time.Second
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.MaxLiveDays <= 0 {
		cfg.Server.MaxLiveDays = 100
	}
	if cfg.Server.MaxHistoryDays <= 0 {
		cfg.Server.MaxHistoryDays = 600
	}

	r := &cfg.Refresh
	if r.CronSpec == "" {
		r.CronSpec = "0 3 * * *"
	}
	if r.HistoryStart == "" {
		r.HistoryStart = "2017-05-30"
	}
	if r.RecentWindowDays <= 0 {
		r.RecentWindowDays = 30
	}
	if r.CoreSampleTime == "" {
		r.CoreSampleTime = metricscache.CoreSampleStored
	}
	r.CoreSampleTime = strings.ToUpper(r.CoreSampleTime)
	if r.StagingWorkers <= 0 {
		r.StagingWorkers = 4
	}
	if r.DefaultRetentionDays <= 0 {
		r.DefaultRetentionDays = 7
	}
	if r.CarryForwardRetentionDays <= 0 {
		r.CarryForwardRetentionDays = 30
	}
	if r.CarryForwardTypes == nil {
		r.CarryForwardTypes = []string{string(metricscache.PublicMetricsExportAPI)}
	}
	if r.StuckRunThreshold <= 0 {
		r.StuckRunThreshold = 6 * time.Hour
	}
	if r.WatchdogCronSpec == "" {
		r.WatchdogCronSpec = "*/15 * * * *"
	}

	cfg.Policies = cfg.Policies.WithDefaults()
	return cfg
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("RDR_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("RDR_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_ENCODING"); v != "" {
		cfg.Log.Encoding = v
	}
	return cfg
}

// Validate rejects configurations the refresh pipeline cannot run with.
func (c Config) Validate() error {
	if _, err := models.ParseDate(c.Refresh.HistoryStart); err != nil {
		return fmt.Errorf("refresh.history_start: %w", err)
	}
	switch c.Refresh.CoreSampleTime {
	case metricscache.CoreSampleStored, metricscache.CoreSampleOrdered:
	default:
		return fmt.Errorf("refresh.core_sample_time: unknown value %q", c.Refresh.CoreSampleTime)
	}
	for _, t := range c.Refresh.CarryForwardTypes {
		if _, err := metricscache.ParseCacheType(t); err != nil {
			return fmt.Errorf("refresh.carry_forward_types: %w", err)
		}
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if c.Server.MaxLiveDays > c.Server.MaxHistoryDays {
		return fmt.Errorf("server.max_live_days (%d) exceeds max_history_days (%d)",
			c.Server.MaxLiveDays, c.Server.MaxHistoryDays)
	}
	return nil
}
