package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

// Route patterns whose connections stay open for the life of a worker or a
// subscriber. Their lifetimes go to httpStreamDuration so they do not swamp
// the request latency histogram.
const (
	routeWorkerConnect = "/v1/workers/connect"
	routeUserEvents    = "/v1/users/{userID}/events"
)

var streamRoutes = map[string]bool{
	routeWorkerConnect: true,
	routeUserEvents:    true,
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_http_requests_total",
			Help: "HTTP requests by method, route pattern and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtestd_http_request_duration_seconds",
			Help:    "Latency of short-lived HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtestd_http_stream_duration_seconds",
			Help:    "Lifetime of worker websocket and event stream connections.",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 24 * 3600},
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpStreamDuration)
}

// metricsMiddleware labels every request by its chi route pattern, keeping
// cardinality bounded.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start).Seconds()
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(responseStatus(ww, r))).Inc()

		if streamRoutes[path] {
			httpStreamDuration.WithLabelValues(path).Observe(elapsed)
			return
		}
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed)
	})
}

// responseStatus reports the status the client saw. A hijacked websocket
// upgrade never goes through WriteHeader.
func responseStatus(ww middleware.WrapResponseWriter, r *http.Request) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	if r.Header.Get("Upgrade") != "" {
		return http.StatusSwitchingProtocols
	}
	return http.StatusOK
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
