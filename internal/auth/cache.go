// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatewarden Contributors

package auth

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Default cache configuration.
const (
	DefaultCacheCapacity = 4096
	DefaultCacheTTL      = 5 * time.Minute
)

// Credential is the cached subset of account and session fields consulted on
// the authentication fast path. It is derived, disposable state: the
// credential store remains authoritative.
type Credential struct {
	AccountID    ulid.ULID
	Name         string
	PasswordHash string
	Verified     bool
	TotpEnrolled bool
	SessionLive  bool
}

type credEntry struct {
	cred       Credential
	addedAt    time.Time
	lastAccess time.Time
}

// CredentialCacheConfig configures a CredentialCache. Zero values select the
// defaults.
type CredentialCacheConfig struct {
	Capacity int
	TTL      time.Duration
}

// CredentialCache is a bounded mapping from account identifier to cached
// credential fields, with size-based eviction and a freshness TTL. Entries
// must be invalidated whenever the account's password, TOTP secret, or
// session state change.
type CredentialCache struct {
	mu       sync.Mutex
	entries  map[ulid.ULID]*credEntry
	capacity int
	ttl      time.Duration

	sizeGauge prometheus.Gauge
	hits      prometheus.Counter
	misses    prometheus.Counter
}

// NewCredentialCache creates a cache with the given configuration.
func NewCredentialCache(cfg CredentialCacheConfig) *CredentialCache {
	return newCredentialCache(cfg, nil)
}

// NewCredentialCacheWithRegistry additionally registers size and hit/miss
// metrics with the given Prometheus registry.
func NewCredentialCacheWithRegistry(cfg CredentialCacheConfig, reg prometheus.Registerer) *CredentialCache {
	return newCredentialCache(cfg, reg)
}

func newCredentialCache(cfg CredentialCacheConfig, reg prometheus.Registerer) *CredentialCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCacheCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}

	c := &CredentialCache{
		entries:  make(map[ulid.ULID]*credEntry),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
	}

	if reg != nil {
		c.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gatewarden_credential_cache_entries",
			Help: "Current number of cached credential entries",
		})
		c.hits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewarden_credential_cache_hits_total",
			Help: "Total credential cache hits",
		})
		c.misses = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gatewarden_credential_cache_misses_total",
			Help: "Total credential cache misses",
		})
		reg.MustRegister(c.sizeGauge, c.hits, c.misses)
	}

	return c
}

// Get returns the cached credential for an account, if present and fresh.
func (c *CredentialCache) Get(id ulid.ULID) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.miss()
		return Credential{}, false
	}
	if time.Since(e.addedAt) >= c.ttl {
		delete(c.entries, id)
		c.syncGauge()
		c.miss()
		return Credential{}, false
	}
	e.lastAccess = time.Now()
	c.hit()
	return e.cred, true
}

// Put stores a credential, evicting the least recently used entry when the
// cache is full.
func (c *CredentialCache) Put(cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[cred.AccountID]; ok {
		e.cred = cred
		e.addedAt = now
		e.lastAccess = now
		return
	}

	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[cred.AccountID] = &credEntry{cred: cred, addedAt: now, lastAccess: now}
	c.syncGauge()
}

// Invalidate drops the cached entry for an account. Must be called on every
// password, TOTP, or session state change to avoid stale-credential
// acceptance.
func (c *CredentialCache) Invalidate(id ulid.ULID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		delete(c.entries, id)
		c.syncGauge()
	}
}

// Len returns the number of cached entries.
func (c *CredentialCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the least recently accessed entry. Must be called with
// the mutex held.
func (c *CredentialCache) evictOldest() {
	var oldestID ulid.ULID
	var oldest time.Time
	first := true
	for id, e := range c.entries {
		if first || e.lastAccess.Before(oldest) {
			oldestID = id
			oldest = e.lastAccess
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestID)
	}
}

func (c *CredentialCache) syncGauge() {
	if c.sizeGauge != nil {
		c.sizeGauge.Set(float64(len(c.entries)))
	}
}

func (c *CredentialCache) hit() {
	if c.hits != nil {
		c.hits.Inc()
	}
}

func (c *CredentialCache) miss() {
	if c.misses != nil {
		c.misses.Inc()
	}
}
