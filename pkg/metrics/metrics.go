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

	// MessagesTotal tracks messages appended to the log by role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended to the log",
		},
		[]string{"role"},
	)

	// ChunksPublished tracks stream chunks published by the completion driver.
	ChunksPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_chunks_published_total",
			Help: "Total stream chunks published",
		},
	)

	// StreamsTotal tracks completion streams by terminal status.
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_streams_total",
			Help: "Total completion streams by terminal status",
		},
		[]string{"status"},
	)

	// StreamDuration tracks completion stream duration.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "completion_stream_duration_seconds",
			Help:    "Completion stream duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"status"},
	)

	// BusEventsDelivered tracks events handed to subscribers.
	BusEventsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_delivered_total",
			Help: "Total bus events delivered to subscribers",
		},
	)

	// BusEventsDropped tracks events dropped on full subscriber buffers.
	BusEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Total bus events dropped by slow subscribers",
		},
	)

	// WSConnectionsActive tracks open duplex connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// ConversationsCleaned tracks conversations removed by the janitor.
	ConversationsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_cleaned_total",
			Help: "Total stale conversations removed",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records a completion stream's terminal status and duration.
func RecordStream(status string, duration float64) {
	StreamsTotal.WithLabelValues(status).Inc()
	StreamDuration.WithLabelValues(status).Observe(duration)
}
