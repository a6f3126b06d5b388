// SPDX-License-Identifier: MIT

package chart

import (
	"time"

	"github.com/quantfeed/chartgate/internal/cache"
	"github.com/quantfeed/chartgate/internal/metrics"
)

// ResultCache holds completed chart payloads keyed by request fingerprint.
// Cached payloads are shared between callers and must never be mutated.
type ResultCache struct {
	ttl   time.Duration
	store *cache.TTL[*Payload]
}

// NewResultCache creates a result cache with the given TTL.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:   ttl,
		store: cache.New[*Payload](time.Minute),
	}
}

// Get returns the cached payload for the request, if present and fresh.
func (c *ResultCache) Get(req Request) (*Payload, bool) {
	p, ok := c.store.Get(req.Fingerprint())
	metrics.RecordCacheOp("chart", ok)
	return p, ok
}

// Put stores a completed payload. Callers must not store payloads where CVD
// was requested but missing; that decision belongs to the orchestrator.
func (c *ResultCache) Put(req Request, p *Payload) {
	c.store.Set(req.Fingerprint(), p, c.ttl)
}

// Stats exposes the underlying cache counters.
func (c *ResultCache) Stats() cache.Stats {
	return c.store.Stats()
}

// Close stops the background janitor.
func (c *ResultCache) Close() {
	c.store.Stop()
}
