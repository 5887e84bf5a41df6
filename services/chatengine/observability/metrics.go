// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat engine.
//
// # Description
//
// Metrics cover streaming chat operations: request counters by endpoint and
// status, chunk counters, latency histograms (time to first chunk, stream
// duration), active stream gauges, heartbeat and cancellation counters, and
// cache hit/miss counters. Exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kodiak"

const chatSubsystem = "chat"

// Endpoint labels used across metrics.
type Endpoint string

const (
	EndpointStream  Endpoint = "stream"
	EndpointSend    Endpoint = "send"
	EndpointCancel  Endpoint = "cancel"
	EndpointHistory Endpoint = "history"
)

// ChatMetrics holds all Prometheus metrics for chat operations.
type ChatMetrics struct {
	// RequestsTotal counts requests by endpoint and status (success, error).
	RequestsTotal *prometheus.CounterVec

	// ChunksTotal counts visible content chunks delivered to clients.
	ChunksTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency from request to first
	// visible chunk.
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration by terminal
	// state (completed, cancelled, error).
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts errors by endpoint and stable error code.
	ErrorsTotal *prometheus.CounterVec

	// HeartbeatsTotal counts heartbeat frames sent.
	HeartbeatsTotal prometheus.Counter

	// CancellationsTotal counts cancel requests by outcome
	// (inflight, synthesized).
	CancellationsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter

	// CacheLookupsTotal counts history mirror lookups by outcome (hit, miss).
	CacheLookupsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, initialized by InitMetrics().
// Callers must nil-check it so the engine stays usable in tests that skip
// metric registration.
var DefaultMetrics *ChatMetrics

// InitMetrics creates and registers all metrics on the default registry.
// Call once at startup.
func InitMetrics() *ChatMetrics {
	DefaultMetrics = NewChatMetrics(nil)
	return DefaultMetrics
}

// NewChatMetrics builds the metric set. A nil registerer uses the default
// Prometheus registry; tests pass their own to avoid duplicate
// registration panics.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &ChatMetrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "requests_total",
			Help:      "Chat requests by endpoint and status.",
		}, []string{"endpoint", "status"}),

		ChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "chunks_total",
			Help:      "Visible content chunks delivered to clients.",
		}, []string{"endpoint"}),

		TimeToFirstChunkSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Latency from request start to first visible chunk.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"endpoint"}),

		StreamDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration by terminal state.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"terminal_state"}),

		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "active_streams",
			Help:      "Currently open streaming connections.",
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "errors_total",
			Help:      "Errors by endpoint and stable error code.",
		}, []string{"endpoint", "code"}),

		HeartbeatsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "heartbeats_total",
			Help:      "Heartbeat frames sent to keep connections alive.",
		}),

		CancellationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "cancellations_total",
			Help:      "Cancel requests by outcome.",
		}, []string{"outcome"}),

		ClientDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "client_disconnects_total",
			Help:      "Client disconnections observed mid-stream.",
		}),

		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: chatSubsystem,
			Name:      "cache_lookups_total",
			Help:      "History mirror lookups by outcome.",
		}, []string{"outcome"}),
	}
}

// RecordRequest increments the request counter.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordChunk increments the chunk counter.
func (m *ChatMetrics) RecordChunk(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordTimeToFirstChunk observes first-chunk latency in seconds.
func (m *ChatMetrics) RecordTimeToFirstChunk(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstChunkSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration observes a finished stream's duration.
func (m *ChatMetrics) RecordStreamDuration(terminalState string, seconds float64) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(terminalState).Observe(seconds)
}

// StreamStarted increments the active stream gauge.
func (m *ChatMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *ChatMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordError increments the error counter.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), code).Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func (m *ChatMetrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

// RecordCancellation increments the cancellation counter.
func (m *ChatMetrics) RecordCancellation(outcome string) {
	if m == nil {
		return
	}
	m.CancellationsTotal.WithLabelValues(outcome).Inc()
}

// RecordClientDisconnect increments the disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

// RecordCacheLookup increments the cache lookup counter.
func (m *ChatMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(outcome).Inc()
}
