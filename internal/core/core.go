// SPDX-License-Identifier: MIT

// Package core orchestrates one chart request end to end: validation,
// session and token resolution, result cache, and dispatch onto the
// connection pool.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfeed/chartgate/internal/batch"
	"github.com/quantfeed/chartgate/internal/cache"
	"github.com/quantfeed/chartgate/internal/chart"
	"github.com/quantfeed/chartgate/internal/config"
	"github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/metrics"
	"github.com/quantfeed/chartgate/internal/session"
	"github.com/quantfeed/chartgate/internal/tv"
)

// SessionResolver and TokenSource are the credential pipeline seams; the
// session package provides the production implementations.
type SessionResolver interface {
	Resolve(ctx context.Context, creds chart.Credentials) (session.Record, error)
	Invalidate(creds chart.Credentials)
	CacheStats() cache.Stats
	Close()
}

type TokenSource interface {
	Token(ctx context.Context, rec session.Record) (session.Token, error)
	CacheStats() cache.Stats
	Close()
}

// Dispatcher is the pool seam.
type Dispatcher interface {
	FetchChart(ctx context.Context, jwt string, req chart.Request, budget time.Duration) (*chart.Payload, error)
}

// Deps overrides individual collaborators; nil fields get the production
// implementation.
type Deps struct {
	Store    session.Store
	Resolver SessionResolver
	Tokens   TokenSource
	Dispatch Dispatcher
}

// Health is the structured status object served by /healthz.
type Health struct {
	Status string                 `json:"status"`
	Pool   tv.PoolStatus          `json:"pool"`
	Caches map[string]cache.Stats `json:"caches"`
}

// Service is the orchestrator. One Service runs per daemon; HTTP handlers
// and the batch fanout call into it.
type Service struct {
	cfg      config.Config
	store    session.Store
	resolver SessionResolver
	tokens   TokenSource
	results  *chart.ResultCache
	pool     *tv.Pool
	dispatch Dispatcher
	logger   zerolog.Logger

	poolStart sync.Once
}

// New wires a Service from configuration and the session KV store. The pool
// is constructed here but dialed lazily, on the first chart request.
func New(cfg config.Config, store session.Store) *Service {
	return NewWithDeps(cfg, Deps{Store: store})
}

// NewWithDeps wires a Service with explicit collaborators. Production code
// calls New; tests substitute the seams they need.
func NewWithDeps(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:      cfg,
		store:    deps.Store,
		resolver: deps.Resolver,
		tokens:   deps.Tokens,
		dispatch: deps.Dispatch,
		results:  chart.NewResultCache(cfg.ChartCacheTTL),
		logger:   log.WithComponent("core"),
	}
	if s.resolver == nil {
		s.resolver = session.NewResolver(deps.Store, cfg.SessionCacheTTL)
	}
	if s.tokens == nil {
		s.tokens = session.NewTokenSource(cfg.VendorBootstrapURL, cfg.VendorOrigin, cfg.JWTExpiryBuffer)
	}
	if s.dispatch == nil && !cfg.DisablePool {
		s.pool = tv.NewPool(tv.PoolOptions{
			Size:           cfg.PoolSize,
			AcquireTimeout: cfg.PoolAcquireTimeout,
			Conn: tv.Options{
				WSURL:           cfg.VendorWSURL,
				Origin:          cfg.VendorOrigin,
				HeartbeatIdle:   cfg.HeartbeatIdle,
				WriterQueueSize: cfg.WriterQueueSize,
				BackoffBase:     cfg.ReconnectBackoffBase,
				BackoffCap:      cfg.ReconnectBackoffCap,
			},
			StudyConfigURL:    cfg.VendorStudyConfigURL,
			StudyFetchTimeout: cfg.StudyFetchTimeout,
		})
		s.dispatch = s.pool
	}
	return s
}

// defaultService is the process-wide instance for callers without explicit
// wiring.
var (
	defaultMu      sync.Mutex
	defaultService *Service
)

// SetDefault installs the process-wide Service.
func SetDefault(s *Service) {
	defaultMu.Lock()
	defaultService = s
	defaultMu.Unlock()
}

// Default returns the process-wide Service, or nil before SetDefault.
func Default() *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultService
}

// GetChart runs one chart request: validate, resolve credentials, cache
// check, dispatch, cache write.
func (s *Service) GetChart(ctx context.Context, creds chart.Credentials, req chart.Request) (*chart.Payload, error) {
	start := time.Now()
	payload, err := s.getChart(ctx, creds, req)
	metrics.ChartRequestDuration.Observe(time.Since(start).Seconds())
	return payload, err
}

func (s *Service) getChart(ctx context.Context, creds chart.Credentials, req chart.Request) (*chart.Payload, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		metrics.RecordChartRequest("invalid")
		return nil, err
	}

	// Credentials gate the cache: the fingerprint carries no identity, so a
	// caller must prove a live session before being served a stored payload.
	rec, err := s.resolver.Resolve(ctx, creds)
	if err != nil {
		return nil, s.fail(mapSessionError(err))
	}
	tok, err := s.tokens.Token(ctx, rec)
	if err != nil {
		return nil, s.fail(mapSessionError(err))
	}

	if payload, ok := s.results.Get(req); ok {
		metrics.RecordChartRequest("cached")
		return payload, nil
	}

	if s.dispatch == nil {
		return nil, s.fail(chart.NewError(chart.KindInternal, "acquisition core is disabled"))
	}
	if s.pool != nil {
		s.poolStart.Do(func() { s.pool.Start(context.Background()) })
	}

	budget := s.cfg.RequestBudget(req.BarCount)
	payload, err := s.dispatch.FetchChart(ctx, tok.Raw, req, budget)
	if err != nil {
		ce := chart.AsError(err)
		if ce.Kind == chart.KindAuth {
			// The vendor rejected the token: the captured session is stale.
			s.resolver.Invalidate(creds)
		}
		return nil, s.fail(ce)
	}

	if cacheable(req, payload) {
		s.results.Put(req, payload)
	}
	metrics.RecordChartRequest("ok")
	return payload, nil
}

func (s *Service) fail(ce *chart.Error) *chart.Error {
	metrics.RecordChartRequest(string(ce.Kind))
	return ce
}

// cacheable rejects payloads where CVD was requested but missing. Serving
// them once is acceptable degradation; pinning them in the cache is not.
func cacheable(req chart.Request, p *chart.Payload) bool {
	if !req.CVD.Enabled {
		return true
	}
	return p.Indicators != nil && p.Indicators.CVD != nil && len(p.Indicators.CVD.Values) > 0
}

// mapSessionError converts session pipeline sentinels into the error
// taxonomy.
func mapSessionError(err error) *chart.Error {
	switch {
	case errors.Is(err, session.ErrNoSession),
		errors.Is(err, session.ErrMalformedSession):
		return chart.WrapError(chart.KindNoSession, err, "no usable vendor session")
	case errors.Is(err, session.ErrMissingSignature),
		errors.Is(err, session.ErrTokenExpired),
		errors.Is(err, session.ErrTokenNotFound):
		return chart.WrapError(chart.KindAuth, err, "vendor session cannot authenticate")
	case errors.Is(err, session.ErrBootstrapUnreachable):
		return chart.WrapError(chart.KindTransport, err, "vendor bootstrap unreachable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return chart.WrapError(chart.KindTimeout, err, "session resolution interrupted")
	}
	return chart.WrapError(chart.KindInternal, err, "session resolution failed")
}

// RunBatch fans a job out over the pool with the configured batch size and
// pool-sized parallelism.
func (s *Service) RunBatch(ctx context.Context, creds chart.Credentials, job batch.Job, progress batch.ProgressFunc) (*batch.Aggregate, error) {
	fetch := func(ctx context.Context, req chart.Request) (*chart.Payload, error) {
		return s.GetChart(ctx, creds, req)
	}
	runner := batch.NewRunner(fetch, s.cfg.BatchSize, s.cfg.PoolSize)
	return runner.Run(ctx, job, progress)
}

// SessionStats reports the KV store's capture counts for the stats endpoint.
func (s *Service) SessionStats(ctx context.Context) (session.Stats, error) {
	return s.store.GetSessionStats(ctx)
}

// Health assembles the status object: pool state plus cache counters.
func (s *Service) Health() Health {
	h := Health{
		Status: "ok",
		Caches: map[string]cache.Stats{
			"chart":   s.results.Stats(),
			"session": s.resolver.CacheStats(),
			"jwt":     s.tokens.CacheStats(),
		},
	}
	if s.pool != nil {
		h.Pool = s.pool.Status()
		if h.Pool.Degraded {
			h.Status = "degraded"
		}
	}
	return h
}

// Close releases caches and drains the pool.
func (s *Service) Close(grace time.Duration) {
	if s.pool != nil {
		s.pool.Shutdown(grace)
	}
	s.results.Close()
	s.resolver.Close()
	s.tokens.Close()
	s.logger.Info().Str(log.FieldEvent, "core.closed").Msg("orchestrator closed")
}
