package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	PipelineTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_ticks_total",
			Help: "Total number of worker ticks by role and outcome",
		},
		[]string{"role", "outcome"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current depth of a broker queue or set",
		},
		[]string{"queue"},
	)
	StoreAppliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_store_applies_total",
			Help: "Total number of results the coordinator applied to the store",
		},
		[]string{"stage", "result"},
	)
	ExternalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "external_requests_total",
			Help: "Total number of external API requests by service, operation and outcome",
		},
		[]string{"service", "operation", "outcome"},
	)
	ExternalRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "external_request_duration_seconds",
			Help:    "External API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"service", "operation"},
	)
	RateLimitWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_rate_limit_waits_total",
			Help: "Total number of ticks that yielded because an API rate limit was active",
		},
		[]string{"service"},
	)
)

// InitMetrics registers all collectors with the default registry. Call once
// per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PipelineTicksTotal,
		QueueDepth,
		StoreAppliesTotal,
		ExternalRequestsTotal,
		ExternalRequestDuration,
		RateLimitWaits,
	)
}

// TickOutcome records one worker tick result.
func TickOutcome(role, outcome string) {
	PipelineTicksTotal.WithLabelValues(role, outcome).Inc()
}

// ObserveExternal records one external API call.
func ObserveExternal(service, operation, outcome string, d time.Duration) {
	ExternalRequestsTotal.WithLabelValues(service, operation, outcome).Inc()
	ExternalRequestDuration.WithLabelValues(service, operation).Observe(d.Seconds())
}

// HTTPMetricsMiddleware records request counts and latencies per chi route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
