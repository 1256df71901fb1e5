package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/anvil/internal/services"
)

const unmatched = "unmatched"

// Routes whose requests stay open for the life of a run. Their duration is
// tracked as open streams instead of request latency.
var streamingRoutes = map[string]bool{
	"/v1/runs/{id}/logs": true,
}

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anvil_http_requests_total",
			Help: "Total number of API requests by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anvil_http_request_duration_seconds",
			Help:    "API request latency in seconds, excluding log streams.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 30, 120, 600},
		},
		[]string{"method", "route"},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_http_in_flight_requests",
			Help: "Number of API requests being served, log streams included.",
		},
	)

	logStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "anvil_log_streams",
			Help: "Number of open run log streams.",
		},
	)

	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anvil_service_up",
			Help: "Whether a backing service passed its last health check (1) or not (0).",
		},
		[]string{"service", "optional"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInFlight, logStreams, serviceUp)
}

// metricsMiddleware counts requests by chi route pattern, so run ids never
// become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !streamingRoutes[route] {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// recordServiceHealth exports the outcome of a health check.
func recordServiceHealth(statuses []services.Status) {
	for _, st := range statuses {
		up := 0.0
		if st.Healthy {
			up = 1
		}
		serviceUp.WithLabelValues(st.Name, strconv.FormatBool(st.Optional)).Set(up)
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
