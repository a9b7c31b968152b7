// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// HistorySyncTotal counts history reconciliations by path (diff or fallback).
	HistorySyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_sync_total",
			Help: "History synchronizations by path",
		},
		[]string{"path"},
	)

	// HistorySyncOperations counts row operations applied by history sync.
	HistorySyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_sync_operations_total",
			Help: "Rows inserted, updated or deleted by history sync",
		},
		[]string{"op"},
	)

	// StreamCheckpoints counts draft checkpoint writes.
	StreamCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_checkpoints_total",
			Help: "Draft checkpoint writes by result",
		},
		[]string{"result"},
	)

	// StreamFinalizeDuration tracks how long the final write of a turn takes.
	StreamFinalizeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_finalize_duration_seconds",
			Help:    "Duration of assistant message finalization",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"status"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// TitleGenerationTotal counts background title generation attempts.
	TitleGenerationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "title_generation_total",
			Help: "Title generation attempts by result",
		},
		[]string{"result"},
	)

	// LifecyclePublishFailures counts lifecycle events that could not be published.
	LifecyclePublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_publish_failures_total",
			Help: "Lifecycle events that failed to publish",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordHistorySync records one reconciliation and the row operations it applied.
func RecordHistorySync(path string, inserts, updates, deletes int) {
	HistorySyncTotal.WithLabelValues(path).Inc()
	HistorySyncOperations.WithLabelValues("insert").Add(float64(inserts))
	HistorySyncOperations.WithLabelValues("update").Add(float64(updates))
	HistorySyncOperations.WithLabelValues("delete").Add(float64(deletes))
}

// RecordCheckpoint records a checkpoint write; result is "ok" or "error".
func RecordCheckpoint(result string) {
	StreamCheckpoints.WithLabelValues(result).Inc()
}

// RecordFinalize records the duration of a final or error write.
func RecordFinalize(status string, duration float64) {
	StreamFinalizeDuration.WithLabelValues(status).Observe(duration)
}

// RecordMessages adds n persisted messages of role.
func RecordMessages(role string, n int) {
	MessagesTotal.WithLabelValues(role).Add(float64(n))
}

// RecordTitle records a title generation outcome.
func RecordTitle(result string) {
	TitleGenerationTotal.WithLabelValues(result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
