// Package metrics provides Prometheus metrics for transfers and sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_bytes_transferred_total",
			Help: "Total bytes moved by transfers",
		},
		[]string{"direction"},
	)

	pathsTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_paths_transferred_total",
			Help: "Total number of paths processed by transfers",
		},
		[]string{"direction", "status"},
	)

	transfersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skiff_transfers_running",
			Help: "Number of transfers currently holding a queue slot",
		},
	)

	transfersQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skiff_transfers_queued",
			Help: "Number of transfers waiting for a queue slot",
		},
	)

	connectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_connection_events_total",
			Help: "Connection lifecycle events by protocol",
		},
		[]string{"protocol", "event"},
	)

	sessionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiff_session_errors_total",
			Help: "Failures reported by sessions",
		},
		[]string{"protocol"},
	)
)

// AddBytes records n bytes moved in the given direction.
func AddBytes(direction string, n int64) {
	if n > 0 {
		bytesTransferred.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordPath records a processed path.
func RecordPath(direction string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	pathsTransferred.WithLabelValues(direction, status).Inc()
}

// SetQueueOccupancy publishes the coordinator's running and queued counts.
func SetQueueOccupancy(running, queued int) {
	transfersRunning.Set(float64(running))
	transfersQueued.Set(float64(queued))
}

// RecordConnectionEvent records a session lifecycle event.
func RecordConnectionEvent(protocol, event string) {
	connectionEvents.WithLabelValues(protocol, event).Inc()
}

// RecordSessionError records a failure broadcast by a session.
func RecordSessionError(protocol string) {
	sessionErrors.WithLabelValues(protocol).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
