package ratelimit

import (
	"sync"
	"time"
)

// FixedWindow admits up to max(RequestsPerSec, Burst) requests per
// one-second window.
type FixedWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	count  int
	start  time.Time
}

func NewFixedWindow(cfg Config, now time.Time) *FixedWindow {
	cfg = applyDefaults(cfg)
	limit := max(int(cfg.RequestsPerSec), cfg.Burst, 1)
	return &FixedWindow{limit: limit, window: time.Second, start: now}
}

func (fw *FixedWindow) Take(now time.Time) (bool, time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if now.Sub(fw.start) >= fw.window {
		fw.count = 0
		fw.start = now
	}
	if fw.count < fw.limit {
		fw.count++
		return true, 0
	}
	return false, fw.start.Add(fw.window).Sub(now)
}
