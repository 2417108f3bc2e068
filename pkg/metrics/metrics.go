// Package metrics provides Prometheus metrics for the document server
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "naskah_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Lock metrics
	LockOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_lock_outcomes_total",
			Help: "Lock acquire, renew, release and rejection counts",
		},
		[]string{"outcome"},
	)

	// Write metrics
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "naskah_document_writes_total",
			Help: "Total number of document writes by operation and result",
		},
		[]string{"operation", "result"},
	)

	VersionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "naskah_version_conflicts_total",
			Help: "Conditional updates that lost against a concurrent write",
		},
	)

	// Realtime metrics
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "naskah_websocket_connections",
			Help: "Number of open websocket connections",
		},
	)
)

// RecordLock counts a lock transition.
func RecordLock(outcome string) {
	LockOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordWrite counts a finished write.
func RecordWrite(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	WritesTotal.WithLabelValues(operation, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next with request count and latency metrics under route.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
