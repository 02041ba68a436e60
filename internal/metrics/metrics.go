// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// ScoreRequestsTotal counts scored transactions by final prediction.
	ScoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "score_requests_total",
			Help:      "Total scored transactions by final prediction.",
		},
		[]string{"prediction"},
	)

	// LayerDuration observes per-layer latency.
	LayerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "layer_duration_seconds",
			Help:      "Scoring layer duration in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 3},
		},
		[]string{"layer"},
	)

	// RuleTriggersTotal counts triggered heuristic and behavioral rules.
	RuleTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_triggers_total",
			Help:      "Total rule triggers by layer and rule label.",
		},
		[]string{"layer", "rule"},
	)

	// ModelDegradedTotal counts Layer A calls that fell back to the neutral score.
	ModelDegradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_degraded_total",
			Help:      "Total global model calls that returned the neutral score.",
		},
		[]string{"reason"},
	)

	// IdentityLookupsTotal counts beneficiary verification calls by outcome.
	IdentityLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_lookups_total",
			Help:      "Total identity verification lookups by outcome.",
		},
		[]string{"outcome"},
	)

	// BreakerState tracks circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)

	// EncoderClasses tracks the size of each categorical encoder.
	EncoderClasses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "encoder_classes",
			Help:      "Number of categories known to each encoder.",
		},
		[]string{"table", "feature"},
	)

	// BusMessagesTotal counts published and consumed bus messages.
	BusMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Total event bus messages by topic, direction and status.",
		},
		[]string{"topic", "direction", "status"},
	)

	// CacheLookupsTotal counts cache reads by backend and result.
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total cache lookups by backend and result (hit, miss, error).",
		},
		[]string{"backend", "result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		ScoreRequestsTotal,
		LayerDuration,
		RuleTriggersTotal,
		ModelDegradedTotal,
		IdentityLookupsTotal,
		BreakerState,
		EncoderClasses,
		BusMessagesTotal,
		CacheLookupsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ObserveLayer records how long a layer took.
func ObserveLayer(layer string, start time.Time) {
	LayerDuration.WithLabelValues(layer).Observe(time.Since(start).Seconds())
}

// ObservePrediction counts a final prediction.
func ObservePrediction(fraud bool) {
	ScoreRequestsTotal.WithLabelValues(strconv.FormatBool(fraud)).Inc()
}

// ObserveRules counts every triggered rule label for a layer.
func ObserveRules(layer string, rules []string) {
	for _, r := range rules {
		RuleTriggersTotal.WithLabelValues(layer, r).Inc()
	}
}

// ObserveCacheLookup counts one cache read.
func ObserveCacheLookup(backend string, hit bool, err error) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(backend, result).Inc()
}

// Middleware records request metrics using the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, route, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
