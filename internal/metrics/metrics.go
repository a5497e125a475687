// Package metrics provides Prometheus instrumentation for the pool engine.
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
	// OperationsTotal counts committed pool operations by kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_operations_total",
		Help: "Total number of committed pool operations",
	}, []string{"kind"})

	// OperationLatency tracks end-to-end operation latency, including the
	// store's unit of work.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_operation_latency_seconds",
		Help:    "Pool operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// OperationRejections counts operations that failed, by kind and error code.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_operation_rejections_total",
		Help: "Pool operations rejected or rolled back",
	}, []string{"kind", "code"})

	// SwapVolume tracks cumulative swap input per pool and direction, in
	// base units of the input asset.
	SwapVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_swap_volume_total",
		Help: "Cumulative swap input in base units",
	}, []string{"pool_id", "direction"})

	// PoolReserve reports the latest committed reserve of each pool asset.
	PoolReserve = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amm_pool_reserve",
		Help: "Committed reserve per pool and asset",
	}, []string{"pool_id", "asset"})

	// PoolShares reports the latest committed share supply of each pool.
	PoolShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "amm_pool_total_shares",
		Help: "Outstanding liquidity shares per pool",
	}, []string{"pool_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
