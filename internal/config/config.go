// SPDX-License-Identifier: MIT

// Package config loads chartgate configuration from the environment with
// precedence ENV > defaults. All knobs carry conservative defaults so the
// daemon starts with nothing but vendor credentials configured.
package config

import (
	"fmt"
	"time"
)

// Defaults for the acquisition core.
const (
	DefaultPoolSize             = 5
	DefaultBatchSize            = 18
	DefaultWriterQueueSize      = 32
	DefaultChartCacheTTL        = 5 * time.Minute
	DefaultSessionCacheTTL      = 5 * time.Minute
	DefaultJWTExpiryBuffer      = 10 * time.Minute
	DefaultHeartbeatIdle        = 30 * time.Second
	DefaultReconnectBackoffBase = 500 * time.Millisecond
	DefaultReconnectBackoffCap  = 30 * time.Second
	DefaultPoolAcquireTimeout   = 10 * time.Second
	DefaultStudyFetchTimeout    = 2 * time.Second
	DefaultRequestBudgetBase    = 8 * time.Second
	DefaultRequestBudgetStep    = 1 * time.Second
	DefaultRequestBudgetCap     = 20 * time.Second
)

// Config holds the full runtime configuration of the daemon.
type Config struct {
	// HTTP surface
	ListenAddr      string
	RateLimitPerMin int

	// Logging
	LogLevel   string
	LogService string

	// Vendor endpoints
	VendorWSURL          string
	VendorBootstrapURL   string
	VendorStudyConfigURL string
	VendorOrigin         string

	// Session KV collaborator (Redis)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Acquisition core
	PoolSize             int
	DisablePool          bool
	WriterQueueSize      int
	BatchSize            int
	ChartCacheTTL        time.Duration
	SessionCacheTTL      time.Duration
	JWTExpiryBuffer      time.Duration
	HeartbeatIdle        time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectBackoffCap  time.Duration
	PoolAcquireTimeout   time.Duration
	StudyFetchTimeout    time.Duration
	RequestBudgetBase    time.Duration
	RequestBudgetStep    time.Duration
	RequestBudgetCap     time.Duration
}

// FromEnv builds a Config from CHARTGATE_* environment variables, applying
// defaults for anything unset.
func FromEnv() Config {
	return Config{
		ListenAddr:      ParseString("CHARTGATE_LISTEN", ":8080"),
		RateLimitPerMin: ParseInt("CHARTGATE_RATE_LIMIT_PER_MIN", 120),

		LogLevel:   ParseString("CHARTGATE_LOG_LEVEL", "info"),
		LogService: ParseString("CHARTGATE_LOG_SERVICE", "chartgate"),

		VendorWSURL:          ParseString("CHARTGATE_VENDOR_WS_URL", "wss://prodata.tradingview.com/socket.io/websocket?type=chart"),
		VendorBootstrapURL:   ParseString("CHARTGATE_VENDOR_BOOTSTRAP_URL", "https://www.tradingview.com/chart/"),
		VendorStudyConfigURL: ParseString("CHARTGATE_VENDOR_STUDY_CONFIG_URL", "https://pine-facade.tradingview.com/pine-facade/translate/"),
		VendorOrigin:         ParseString("CHARTGATE_VENDOR_ORIGIN", "https://www.tradingview.com"),

		RedisAddr:     ParseString("CHARTGATE_REDIS_ADDR", "localhost:6379"),
		RedisPassword: ParseString("CHARTGATE_REDIS_PASSWORD", ""),
		RedisDB:       ParseInt("CHARTGATE_REDIS_DB", 0),

		PoolSize:             ParseInt("CHARTGATE_POOL_SIZE", DefaultPoolSize),
		DisablePool:          ParseBool("CHARTGATE_DISABLE_POOL", false),
		WriterQueueSize:      ParseInt("CHARTGATE_WRITER_QUEUE_SIZE", DefaultWriterQueueSize),
		BatchSize:            ParseInt("CHARTGATE_BATCH_SIZE", DefaultBatchSize),
		ChartCacheTTL:        ParseDurationMs("CHARTGATE_CHART_CACHE_TTL_MS", DefaultChartCacheTTL),
		SessionCacheTTL:      ParseDurationMs("CHARTGATE_SESSION_CACHE_TTL_MS", DefaultSessionCacheTTL),
		JWTExpiryBuffer:      time.Duration(ParseInt("CHARTGATE_JWT_EXPIRY_BUFFER_SEC", int(DefaultJWTExpiryBuffer/time.Second))) * time.Second,
		HeartbeatIdle:        ParseDurationMs("CHARTGATE_HEARTBEAT_IDLE_MS", DefaultHeartbeatIdle),
		ReconnectBackoffBase: ParseDurationMs("CHARTGATE_RECONNECT_BACKOFF_BASE_MS", DefaultReconnectBackoffBase),
		ReconnectBackoffCap:  ParseDurationMs("CHARTGATE_RECONNECT_BACKOFF_CAP_MS", DefaultReconnectBackoffCap),
		PoolAcquireTimeout:   ParseDurationMs("CHARTGATE_POOL_ACQUIRE_TIMEOUT_MS", DefaultPoolAcquireTimeout),
		StudyFetchTimeout:    ParseDurationMs("CHARTGATE_CVD_STUDY_FETCH_TIMEOUT_MS", DefaultStudyFetchTimeout),
		RequestBudgetBase:    ParseDurationMs("CHARTGATE_REQUEST_BUDGET_BASE_MS", DefaultRequestBudgetBase),
		RequestBudgetStep:    ParseDurationMs("CHARTGATE_REQUEST_BUDGET_STEP_MS", DefaultRequestBudgetStep),
		RequestBudgetCap:     ParseDurationMs("CHARTGATE_REQUEST_BUDGET_CAP_MS", DefaultRequestBudgetCap),
	}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool size must be >= 1, got %d", c.PoolSize)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch size must be >= 1, got %d", c.BatchSize)
	}
	if c.WriterQueueSize < 1 {
		return fmt.Errorf("config: writer queue size must be >= 1, got %d", c.WriterQueueSize)
	}
	if c.VendorWSURL == "" {
		return fmt.Errorf("config: vendor websocket URL must not be empty")
	}
	if c.VendorBootstrapURL == "" {
		return fmt.Errorf("config: vendor bootstrap URL must not be empty")
	}
	if c.ReconnectBackoffBase <= 0 || c.ReconnectBackoffCap < c.ReconnectBackoffBase {
		return fmt.Errorf("config: reconnect backoff base/cap invalid (%v/%v)", c.ReconnectBackoffBase, c.ReconnectBackoffCap)
	}
	return nil
}

// RequestBudget returns the per-request wall-clock budget for the given bar
// count: the base budget plus one step per additional 500 bars beyond the
// first 500, capped.
func (c Config) RequestBudget(barCount int) time.Duration {
	budget := c.RequestBudgetBase
	if barCount > 500 {
		extra := (barCount - 500 + 499) / 500
		budget += time.Duration(extra) * c.RequestBudgetStep
	}
	if budget > c.RequestBudgetCap {
		budget = c.RequestBudgetCap
	}
	return budget
}
