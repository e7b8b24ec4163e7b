// Package metrics provides Prometheus instrumentation for the order
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CapturesTotal counts capture attempts by order type and outcome.
	CapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "owna_captures_total",
		Help: "Total order capture attempts",
	}, []string{"type", "result"})

	// CaptureLatency tracks end-to-end capture duration by order type.
	CaptureLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "owna_capture_latency_seconds",
		Help:    "Order capture latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// ConflictRetries counts conditional-write conflicts that forced a
	// re-read during capture.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "owna_capture_conflict_retries_total",
		Help: "Conditional write conflicts during capture",
	})

	// CompensationsTotal counts reversed capture steps by step name.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "owna_capture_compensations_total",
		Help: "Capture steps reversed after a failed capture",
	}, []string{"step"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "owna_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "owna_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "owna_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small
		// enough that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
