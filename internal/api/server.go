// SPDX-License-Identifier: MIT

// Package api is the HTTP surface of the gateway: chart and batch
// endpoints, health, session stats and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantfeed/chartgate/internal/config"
	"github.com/quantfeed/chartgate/internal/core"
	"github.com/quantfeed/chartgate/internal/log"
)

// Server routes HTTP requests onto the orchestrator.
type Server struct {
	cfg    config.Config
	svc    *core.Service
	logger zerolog.Logger
}

// NewServer builds the HTTP layer over a wired orchestrator.
func NewServer(cfg config.Config, svc *core.Service) *Server {
	return &Server{cfg: cfg, svc: svc, logger: log.WithComponent("api")}
}

// Handler assembles the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(accessLogMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitPerMin > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))
		}
		r.Post("/chart", s.handleChart)
		r.Post("/charts/batch", s.handleBatch)
		r.Get("/sessions/stats", s.handleSessionStats)
	})
	return r
}
