// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts settlement outcomes by status and reason code.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outcomes_total",
		Help: "Settlement outcomes by status and reason code",
	}, []string{"status", "code"})

	// SettlementLatency tracks end-to-end settlement latency, lock wait included.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// SettlementRetries counts attempts restarted after a version conflict.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_version_conflict_retries_total",
		Help: "Settlement attempts restarted after a stale version",
	})

	// CompensationsTotal counts saga compensation steps by step and result.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_compensations_total",
		Help: "Saga compensation steps executed",
	}, []string{"step", "result"})

	// SettledVolume tracks cumulative settled shares per side.
	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_volume_shares_total",
		Help: "Cumulative settled volume in shares",
	}, []string{"side"})

	// AuditRunsTotal counts audits by result (consistent, drift, error).
	AuditRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_runs_total",
		Help: "Invariant audits by result",
	}, []string{"result"})

	// SupplyDrift is the last observed expected-minus-actual availableShares per issuer.
	SupplyDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_supply_drift_shares",
		Help: "Last audited drift between log-derived and stored availableShares",
	}, []string{"issuer_id"})

	// RepairsTotal counts corrective writes of availableShares.
	RepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_repairs_total",
		Help: "Supply counters overwritten by repair",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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

		// Use the route pattern for the path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
