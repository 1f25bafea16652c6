// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "cache_hits_total",
		Help:      "Cache hits by tier (pattern, ai, durable).",
	}, []string{"tier"})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "cache_misses_total",
		Help:      "Lookups that found no unexpired entry in any tier.",
	})

	cacheSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "cache_swept_total",
		Help:      "Expired entries removed by the periodic sweep.",
	})
)

// =============================================================================
// Tiers and Defaults
// =============================================================================

// Tier separates pattern-derived from model-derived cache entries.
type Tier string

const (
	// TierPattern holds detector results. Cheaper to reproduce and more
	// authoritative once confident, so this tier wins on lookup.
	TierPattern Tier = "pattern"

	// TierAI holds model fallback results.
	TierAI Tier = "ai"
)

const (
	// DefaultPatternTTL is the lifetime of pattern-derived entries. Detector
	// output only changes when the rule vocabulary changes, so a long TTL
	// is safe.
	DefaultPatternTTL = 12 * time.Hour

	// DefaultAITTL is the lifetime of model-derived entries.
	DefaultAITTL = 1 * time.Hour

	// DefaultSweepInterval is how often the background sweep purges expired
	// entries from both tiers.
	DefaultSweepInterval = 10 * time.Minute
)

// =============================================================================
// Cache
// =============================================================================

// CacheConfig configures the classification cache.
type CacheConfig struct {
	// PatternTTL overrides DefaultPatternTTL when positive.
	PatternTTL time.Duration

	// AITTL overrides DefaultAITTL when positive.
	AITTL time.Duration

	// SweepInterval overrides DefaultSweepInterval when positive.
	SweepInterval time.Duration

	// Store optionally persists entries so warm results survive restarts.
	// Nil disables persistence (in-memory-only mode, used by tests).
	Store Store
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Cache is the two-tier TTL store for classification results, keyed by
// (normalized question, customer id).
//
// Description:
//
//	Reads treat an entry past its expiry as absent and remove it. A
//	background sweep additionally purges expired entries from both tiers to
//	bound memory between reads. An optional durable store backs the
//	in-memory tiers; durable reads re-warm memory.
//
// Thread Safety: Safe for concurrent use. Concurrent writers to the same
// key race last-write-wins, which is acceptable for recomputable data.
type Cache struct {
	mu    sync.Mutex
	tiers map[Tier]map[string]cacheEntry
	ttls  map[Tier]time.Duration

	store  Store
	logger *slog.Logger

	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// NewCache creates the cache and starts its sweep goroutine. Callers own
// the lifecycle and must call Stop at shutdown.
func NewCache(cfg CacheConfig, logger *slog.Logger) *Cache {
	if cfg.PatternTTL <= 0 {
		cfg.PatternTTL = DefaultPatternTTL
	}
	if cfg.AITTL <= 0 {
		cfg.AITTL = DefaultAITTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		tiers: map[Tier]map[string]cacheEntry{
			TierPattern: {},
			TierAI:      {},
		},
		ttls: map[Tier]time.Duration{
			TierPattern: cfg.PatternTTL,
			TierAI:      cfg.AITTL,
		},
		store:  cfg.Store,
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.sweepLoop(cfg.SweepInterval)
	return c
}

// Stop terminates the sweep goroutine. Safe to call once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		<-c.done
	})
}

// Get looks up a cached result.
//
// Description:
//
//	Checks the pattern tier first, then the AI tier; an expired entry is
//	removed and treated as absent. On a full in-memory miss the durable
//	store (if configured) is consulted in the same tier order, and a
//	durable hit re-warms the in-memory tier.
func (c *Cache) Get(ctx context.Context, question, customerID string) (*Result, bool) {
	key := CacheKey(question, customerID)
	now := time.Now()

	c.mu.Lock()
	for _, tier := range []Tier{TierPattern, TierAI} {
		entry, ok := c.tiers[tier][key]
		if !ok {
			continue
		}
		if now.After(entry.expiresAt) {
			delete(c.tiers[tier], key)
			continue
		}
		c.mu.Unlock()
		cacheHitsTotal.WithLabelValues(string(tier)).Inc()
		result := entry.result
		return &result, true
	}
	c.mu.Unlock()

	if c.store != nil {
		for _, tier := range []Tier{TierPattern, TierAI} {
			result, err := c.store.Load(ctx, tier, key)
			if err != nil {
				c.logger.Warn("intent cache: durable load failed",
					slog.String("tier", string(tier)), slog.String("error", err.Error()))
				continue
			}
			if result == nil {
				continue
			}
			c.mu.Lock()
			c.tiers[tier][key] = cacheEntry{result: *result, expiresAt: now.Add(c.ttls[tier])}
			c.mu.Unlock()
			cacheHitsTotal.WithLabelValues("durable").Inc()
			return result, true
		}
	}

	cacheMissesTotal.Inc()
	return nil, false
}

// Put stores a result under the tier matching its method. Fallback results
// are never cached.
func (c *Cache) Put(ctx context.Context, question, customerID string, result Result) {
	var tier Tier
	switch result.Method {
	case MethodPattern:
		tier = TierPattern
	case MethodAI:
		tier = TierAI
	default:
		return
	}

	key := CacheKey(question, customerID)
	ttl := c.ttls[tier]

	c.mu.Lock()
	c.tiers[tier][key] = cacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, tier, key, result, ttl); err != nil {
			// Persistence is best-effort; the entry will be recomputed.
			c.logger.Warn("intent cache: durable save failed",
				slog.String("tier", string(tier)), slog.String("error", err.Error()))
		}
	}
}

// Len reports the number of unexpired-or-not-yet-swept entries per tier.
func (c *Cache) Len(tier Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tiers[tier])
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep(time.Now())
		case <-c.quit:
			return
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	for _, entries := range c.tiers {
		for key, entry := range entries {
			if now.After(entry.expiresAt) {
				delete(entries, key)
				removed++
			}
		}
	}
	if removed > 0 {
		cacheSweptTotal.Add(float64(removed))
		c.logger.Debug("intent cache: sweep removed expired entries", slog.Int("removed", removed))
	}
}

// CacheKey derives the lookup key from the normalized question and the
// customer id. Hashing keeps raw question text out of storage keys.
func CacheKey(question, customerID string) string {
	h := sha256.Sum256([]byte(normalizeQuestion(question) + "|" + customerID))
	return hex.EncodeToString(h[:])
}
