// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the chartgate acquisition
// core. Label cardinality is kept bounded: no symbols, request ids, or
// connection ids appear in labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters

	// ChartRequestTotal counts chart requests by outcome ("ok", "cached", or
	// an error kind such as "timeout").
	ChartRequestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgate_chart_request_total",
		Help: "Total number of chart requests, by outcome.",
	}, []string{"outcome"})

	// CacheOpsTotal counts cache operations by cache name and result.
	CacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgate_cache_ops_total",
		Help: "Total number of cache lookups, by cache and result (hit/miss).",
	}, []string{"cache", "result"})

	// ReconnectTotal counts supervisor reconnect attempts by result.
	ReconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgate_ws_reconnect_total",
		Help: "Total number of WebSocket reconnect attempts, by result.",
	}, []string{"result"})

	// HeartbeatTotal counts heartbeat frames by direction ("echoed", "ping").
	HeartbeatTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgate_ws_heartbeat_total",
		Help: "Total number of heartbeat frames handled, by kind.",
	}, []string{"kind"})

	// ProtocolEventTotal counts inbound protocol events by method name.
	// The method set is closed (vendor protocol), so cardinality is bounded.
	ProtocolEventTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgate_protocol_event_total",
		Help: "Total number of inbound vendor protocol events, by method.",
	}, []string{"method"})

	// BatchChartsTotal counts per-chart outcomes inside batch jobs.
	BatchChartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartgate_batch_charts_total",
		Help: "Total number of charts processed by the batch fanout, by outcome.",
	}, []string{"outcome"})

	// Gauges

	// PoolConnections tracks the number of pool connections by state.
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chartgate_pool_connections",
		Help: "Current number of pool connections, by state.",
	}, []string{"state"})

	// PoolDegraded is 1 while fewer than half the pool connections are healthy.
	PoolDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartgate_pool_degraded",
		Help: "1 while the connection pool is degraded, 0 otherwise.",
	})

	// CircuitState tracks breaker state per upstream endpoint
	// (0=closed, 1=half-open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chartgate_circuit_state",
		Help: "Circuit breaker state per upstream endpoint (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	// Histograms

	// ChartRequestDuration observes end-to-end chart request latency.
	ChartRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chartgate_chart_request_duration_seconds",
		Help:    "End-to-end chart request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 12, 20},
	})

	// PoolAcquireDuration observes time spent waiting for a pool connection.
	PoolAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chartgate_pool_acquire_duration_seconds",
		Help:    "Time spent acquiring a connection from the pool in seconds.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// RecordChartRequest increments the request counter for the given outcome.
func RecordChartRequest(outcome string) {
	ChartRequestTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheOp increments the cache op counter.
func RecordCacheOp(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheOpsTotal.WithLabelValues(cache, result).Inc()
}

// RecordReconnect increments the reconnect counter.
func RecordReconnect(result string) {
	ReconnectTotal.WithLabelValues(result).Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func RecordHeartbeat(kind string) {
	HeartbeatTotal.WithLabelValues(kind).Inc()
}

// SetPoolState sets the connection-count gauge for a state.
func SetPoolState(state string, n int) {
	PoolConnections.WithLabelValues(state).Set(float64(n))
}

// SetCircuitState records the breaker state for an upstream endpoint.
func SetCircuitState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	CircuitState.WithLabelValues(name).Set(v)
}

// SetPoolDegraded flips the degraded gauge.
func SetPoolDegraded(degraded bool) {
	if degraded {
		PoolDegraded.Set(1)
		return
	}
	PoolDegraded.Set(0)
}
