// SPDX-License-Identifier: MIT

// Command daemon runs the chartgate gateway: the vendor connection pool,
// the session pipeline, and the HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfeed/chartgate/internal/api"
	"github.com/quantfeed/chartgate/internal/config"
	"github.com/quantfeed/chartgate/internal/core"
	cglog "github.com/quantfeed/chartgate/internal/log"
	"github.com/quantfeed/chartgate/internal/session"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("chartgate %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv()
	cglog.Configure(cglog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version,
	})
	logger := cglog.WithComponent("daemon")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The KV collaborator may come up later; sessions fail typed until then.
		logger.Warn().Err(err).
			Str("addr", cfg.RedisAddr).
			Str("event", "redis.unreachable").
			Msg("session store unreachable at startup, continuing")
	}

	svc := core.New(cfg, session.NewRedisStoreFromClient(rdb))
	core.SetDefault(svc)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(cfg, svc).Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      2 * time.Minute, // batch jobs hold the response open
		IdleTimeout:       2 * time.Minute,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("event", "daemon.listening").
			Msg("chartgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		logger.Error().Err(err).Str("event", "daemon.server_failed").Msg("server failed, shutting down")
	case <-ctx.Done():
		logger.Info().Str("event", "daemon.shutdown_signal").Msg("shutdown signal received")
	}

	// Bounded shutdown context, detached from the cancelled parent.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Str("event", "daemon.http_shutdown_failed").Msg("HTTP shutdown incomplete")
	}
	svc.Close(shutdownGrace)
	logger.Info().Str("event", "daemon.stopped").Msg("chartgate stopped")
}
