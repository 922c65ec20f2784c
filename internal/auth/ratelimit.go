// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Default rate limiting values.
const (
	// DefaultMaxFailures is the number of consecutive failures before a
	// lockout is issued.
	DefaultMaxFailures = 5

	// DefaultBaseLockout is the first lockout duration. It doubles per
	// consecutive failure beyond the threshold.
	DefaultBaseLockout = 10 * time.Second

	// DefaultCeilingLockout caps the exponential lockout growth.
	DefaultCeilingLockout = 15 * time.Minute

	// DefaultCoolDown is the idle period after which an entry with no
	// further failures is forgotten.
	DefaultCoolDown = 30 * time.Minute

	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = 5 * time.Minute
)

// LimiterConfig configures a Limiter. Zero values select the defaults.
type LimiterConfig struct {
	MaxFailures     int
	BaseLockout     time.Duration
	CeilingLockout  time.Duration
	CoolDown        time.Duration
	CleanupInterval time.Duration
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed is true when the attempt may proceed to a credential check.
	Allowed bool

	// RetryAfter is the remaining lockout duration when not allowed.
	RetryAfter time.Duration

	// Failures is the current consecutive failure count for the key.
	Failures int
}

type limitEntry struct {
	failures    int
	lockedUntil time.Time
	lastFailure time.Time
}

// Limiter tracks failed authentication attempts per key (account name or
// network address) and issues exponentially growing lockouts. It holds no
// credential state, so Check never requires a store lookup.
//
// Entries are created lazily on first failure and swept by a background
// goroutine after the cool-down window. Call Close to stop the sweeper.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	cfg     LimiterConfig

	stop chan struct{}
	wg   sync.WaitGroup

	entryGauge prometheus.Gauge
}

// NewLimiter creates a limiter and starts its background sweep.
func NewLimiter(cfg LimiterConfig) *Limiter {
	return newLimiter(cfg, nil)
}

// NewLimiterWithRegistry additionally registers an entry-count gauge with
// the given Prometheus registry.
func NewLimiterWithRegistry(cfg LimiterConfig, reg prometheus.Registerer) *Limiter {
	return newLimiter(cfg, reg)
}

func newLimiter(cfg LimiterConfig, reg prometheus.Registerer) *Limiter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.BaseLockout <= 0 {
		cfg.BaseLockout = DefaultBaseLockout
	}
	if cfg.CeilingLockout <= 0 {
		cfg.CeilingLockout = DefaultCeilingLockout
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultCoolDown
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	l := &Limiter{
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}

	if reg != nil {
		l.entryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewarden_ratelimit_entries",
			Help: "Current number of tracked rate limit entries",
		})
		reg.MustRegister(l.entryGauge)
	}

	l.wg.Add(1)
	go l.sweepLoop()

	return l
}

// Check reports whether an attempt for key may proceed. It is consulted
// before any password comparison.
func (l *Limiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return Decision{Allowed: true}
	}
	if remaining := time.Until(e.lockedUntil); remaining > 0 {
		return Decision{RetryAfter: remaining, Failures: e.failures}
	}
	return Decision{Allowed: true, Failures: e.failures}
}

// RecordFailure increments the failure count for key and returns the
// resulting decision. Once the count reaches the configured maximum, a
// lockout is issued whose duration doubles per further failure, up to the
// ceiling.
func (l *Limiter) RecordFailure(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok {
		e = &limitEntry{}
		l.entries[key] = e
		l.updateGauge()
	}
	e.failures++
	e.lastFailure = now

	if e.failures >= l.cfg.MaxFailures {
		lockout := l.cfg.BaseLockout << uint(e.failures-l.cfg.MaxFailures)
		if lockout > l.cfg.CeilingLockout || lockout <= 0 {
			lockout = l.cfg.CeilingLockout
		}
		e.lockedUntil = now.Add(lockout)
		return Decision{RetryAfter: lockout, Failures: e.failures}
	}
	return Decision{Allowed: true, Failures: e.failures}
}

// RecordSuccess resets the failure state for key.
func (l *Limiter) RecordSuccess(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[key]; ok {
		delete(l.entries, key)
		l.updateGauge()
	}
}

// EntryCount returns the number of tracked keys. Useful for tests and
// monitoring.
func (l *Limiter) EntryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Sweep removes entries whose last failure is older than the cool-down and
// whose lockout has expired. Called automatically by the background
// goroutine; exported for deterministic tests.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, e := range l.entries {
		if now.Sub(e.lastFailure) >= l.cfg.CoolDown && now.After(e.lockedUntil) {
			delete(l.entries, key)
		}
	}
	l.updateGauge()
}

// Close stops the background sweep goroutine.
func (l *Limiter) Close() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stop:
			return
		}
	}
}

// updateGauge must be called with the mutex held.
func (l *Limiter) updateGauge() {
	if l.entryGauge != nil {
		l.entryGauge.Set(float64(len(l.entries)))
	}
}
