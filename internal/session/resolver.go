// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quantfeed/chartgate/internal/cache"
	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/metrics"
	"github.com/rs/zerolog"
)

// Resolver looks up the newest vendor session for a set of credentials,
// fronted by a process-local TTL cache.
type Resolver struct {
	store      Store
	sessions   *cache.TTL[Record]
	sessionTTL time.Duration
	logger     zerolog.Logger
}

// NewResolver creates a resolver caching sessions for sessionTTL.
func NewResolver(store Store, sessionTTL time.Duration) *Resolver {
	return &Resolver{
		store:      store,
		sessions:   cache.New[Record](time.Minute),
		sessionTTL: sessionTTL,
		logger:     log.WithComponent("session-resolver"),
	}
}

// cacheKey hashes the credentials so raw passwords never sit in map keys.
func cacheKey(platform string, creds chart.Credentials) string {
	sum := sha256.Sum256([]byte(platform + "\x00" + creds.Email + "\x00" + creds.Password))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the newest session for the credentials. Absence of a
// session fails with ErrNoSession; a missing cookie signature is a warning
// only (it becomes fatal later, at the JWT exchange).
func (r *Resolver) Resolve(ctx context.Context, creds chart.Credentials) (Record, error) {
	key := cacheKey(PlatformVendor, creds)
	if rec, ok := r.sessions.Get(key); ok {
		metrics.RecordCacheOp("session", true)
		return rec, nil
	}
	metrics.RecordCacheOp("session", false)

	rec, err := r.store.GetLatestSessionForUser(ctx, PlatformVendor, creds)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrNoSession, creds.Email)
	}
	if !rec.HasSignature() {
		r.logger.Warn().
			Str(log.FieldUser, rec.UserEmail).
			Str("event", "session.signature_missing").
			Msg("session has no cookie signature; JWT exchange will be refused")
	}

	r.sessions.Set(key, *rec, r.sessionTTL)
	return *rec, nil
}

// Invalidate drops the cached session for the credentials, forcing the next
// Resolve to hit the KV store.
func (r *Resolver) Invalidate(creds chart.Credentials) {
	r.sessions.Delete(cacheKey(PlatformVendor, creds))
}

// CacheStats exposes session-cache counters for the status endpoint.
func (r *Resolver) CacheStats() cache.Stats {
	return r.sessions.Stats()
}

// Close stops the cache janitor.
func (r *Resolver) Close() {
	r.sessions.Stop()
}
