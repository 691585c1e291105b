package ratelimit

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type keyedEntry struct {
	limiter  Limiter
	lastSeen atomic.Int64
}

// Keyed hands out one limiter per client key, created on first use.
type Keyed struct {
	cfg     Config
	entries *xsync.Map[string, *keyedEntry]
	now     func() time.Time
}

// NewKeyed creates a per-key limiter set sharing one config.
func NewKeyed(cfg Config) *Keyed {
	return &Keyed{
		cfg:     applyDefaults(cfg),
		entries: xsync.NewMap[string, *keyedEntry](),
		now:     time.Now,
	}
}

// Allow consumes a slot for key. When denied it also returns how long the
// client should wait before retrying.
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	now := k.now()
	e, ok := k.entries.Load(key)
	if !ok {
		e, _ = k.entries.LoadOrStore(key, &keyedEntry{limiter: NewLimiter(k.cfg, now)})
	}
	e.lastSeen.Store(now.UnixNano())
	return e.limiter.Take(now)
}

// Prune drops limiters idle for longer than the configured TTL and reports
// how many were removed.
func (k *Keyed) Prune(now time.Time) int {
	cutoff := now.Add(-k.cfg.IdleTTL).UnixNano()
	removed := 0
	k.entries.Range(func(key string, e *keyedEntry) bool {
		if e.lastSeen.Load() < cutoff {
			k.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	return k.entries.Size()
}
