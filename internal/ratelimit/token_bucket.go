package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at RequestsPerSec up to Burst tokens.
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func NewTokenBucket(cfg Config, now time.Time) *TokenBucket {
	cfg = applyDefaults(cfg)
	return &TokenBucket{
		rate:   cfg.RequestsPerSec,
		burst:  float64(cfg.Burst),
		tokens: float64(cfg.Burst),
		last:   now,
	}
}

func (tb *TokenBucket) Take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.last); elapsed > 0 {
		tb.tokens = min(tb.burst, tb.tokens+elapsed.Seconds()*tb.rate)
		tb.last = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	deficit := 1 - tb.tokens
	return false, time.Duration(deficit / tb.rate * float64(time.Second))
}
