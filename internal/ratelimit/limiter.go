package ratelimit

import "time"

// Limiter admits or rejects a single request at a point in time. It never
// blocks: callers answering HTTP requests reject with Retry-After instead.
type Limiter interface {
	// Take consumes one slot at now. When the slot is unavailable it
	// returns false and the wait until one frees up.
	Take(now time.Time) (bool, time.Duration)
}

// Strategy selects the limiter algorithm for a request class.
type Strategy string

const (
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedWindow Strategy = "fixed_window"
)

// NewLimiter creates a limiter for cfg, starting full at now.
func NewLimiter(cfg Config, now time.Time) Limiter {
	cfg = applyDefaults(cfg)
	switch cfg.Strategy {
	case StrategyFixedWindow:
		return NewFixedWindow(cfg, now)
	default:
		return NewTokenBucket(cfg, now)
	}
}
