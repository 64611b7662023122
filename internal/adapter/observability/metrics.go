package observability

import (
	"net/http"
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

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI provider requests by family and outcome",
		},
		[]string{"provider", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI provider request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	AdviceServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advice_served_total",
			Help: "Total number of advice results served by source",
		},
		[]string{"source"},
	)
	AdviceCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advice_cache_hits_total",
			Help: "Cache lookups by outcome (hit, miss, expired, invalidated)",
		},
		[]string{"outcome"},
	)
	GenerationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_failures_total",
			Help: "Total classified generation failures",
		},
		[]string{"class"},
	)
	DispatcherQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_depth",
			Help: "Number of calls waiting in the dispatcher queue",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AdviceServedTotal)
	prometheus.MustRegister(AdviceCacheHitsTotal)
	prometheus.MustRegister(GenerationFailuresTotal)
	prometheus.MustRegister(DispatcherQueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
