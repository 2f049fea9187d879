// Package ratelimit implements the RFC 1459 section 8.10 flood control
// penalty timer, tracked per session.
package ratelimit

import (
	"sync"
	"time"
)

// Verdict is the outcome of charging one line against a session.
type Verdict int

const (
	// Allow means the line is processed.
	Allow Verdict = iota
	// Drop means the line is discarded; the client should be warned.
	Drop
	// Disconnect means the client kept sending after MaxDrops lines in a row
	// were dropped.
	Disconnect
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	case Disconnect:
		return "disconnect"
	}
	return "unknown"
}

// Limiter keeps one message timer per key. Every allowed line pushes the
// timer Penalty further into the future; while it stays within Burst of now
// the line is allowed. Dropped lines leave the timer alone and only count
// toward the disconnect threshold.
type Limiter struct {
	mu     sync.Mutex
	timers map[string]*entry

	penalty  time.Duration
	burst    time.Duration
	maxDrops int
	now      func() time.Time

	// Cleanup configuration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

// Config holds limiter configuration.
type Config struct {
	// Penalty is added to the timer for every line. Default 2s.
	Penalty time.Duration

	// Burst is how far ahead of now the timer may run. Default 10s.
	Burst time.Duration

	// MaxDrops is how many lines in a row may be dropped before the key is
	// disconnected. If 0, defaults to 2 * Burst / Penalty.
	MaxDrops int

	// CleanupInterval controls how often idle keys are dropped.
	// If 0, defaults to 10 * Burst.
	CleanupInterval time.Duration

	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// New creates a new limiter with the given penalty and burst.
func New(penalty, burst time.Duration) *Limiter {
	return NewWithConfig(Config{
		Penalty: penalty,
		Burst:   burst,
	})
}

// NewWithConfig creates a new limiter with custom configuration.
func NewWithConfig(cfg Config) *Limiter {
	if cfg.Penalty <= 0 {
		cfg.Penalty = 2 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10 * time.Second
	}
	if cfg.MaxDrops <= 0 {
		cfg.MaxDrops = max(1, int(2*cfg.Burst/cfg.Penalty))
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = cfg.Burst * 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Limiter{
		timers:          make(map[string]*entry),
		penalty:         cfg.Penalty,
		burst:           cfg.Burst,
		maxDrops:        cfg.MaxDrops,
		now:             cfg.Now,
		cleanupInterval: cfg.CleanupInterval,
		lastCleanup:     cfg.Now(),
	}
}

// Charge accounts for one inbound line from key.
func (l *Limiter) Charge(key string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Periodic cleanup of idle keys
	if now.Sub(l.lastCleanup) > l.cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	e, ok := l.timers[key]
	if !ok {
		e = &entry{}
		l.timers[key] = e
	}
	if e.timer.Before(now) {
		e.timer = now
		e.drops = 0
	}

	next := e.timer.Add(l.penalty)
	if next.Sub(now) <= l.burst {
		e.timer = next
		e.drops = 0
		return Allow
	}
	e.drops++
	if e.drops > l.maxDrops {
		return Disconnect
	}
	return Drop
}

// entry is the flood state of one key.
type entry struct {
	timer time.Time
	// drops counts lines dropped since the last allowed one.
	drops int
}

// cleanup removes keys whose timer has already caught up with now.
// Must be called with mu held.
func (l *Limiter) cleanup(now time.Time) {
	for key, e := range l.timers {
		if !e.timer.After(now) {
			delete(l.timers, key)
		}
	}
}

// Backlog returns how far ahead of now key's timer currently is.
func (l *Limiter) Backlog(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.timers[key]
	if !ok {
		return 0
	}
	ahead := e.timer.Sub(l.now())
	if ahead < 0 {
		return 0
	}
	return ahead
}

// Forget drops the timer for key, normally when its session closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.timers, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}
