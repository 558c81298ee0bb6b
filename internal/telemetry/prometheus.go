// Package telemetry records service metrics. The HTTP server exposes them
// through Prometheus; the Lambda replay worker publishes to CloudWatch.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reviewdesk/internal/types"
)

// PrometheusMetrics implements billing.Metrics and the HTTP request metrics
// middleware using Prometheus collectors.
type PrometheusMetrics struct {
	gatherer prometheus.Gatherer

	reconcileTotal  *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	aiGenerations   *prometheus.CounterVec
	limitRejections *prometheus.CounterVec
}

// NewPrometheusMetrics registers the service collectors on reg.
func NewPrometheusMetrics(reg *prometheus.Registry, namespace string) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		gatherer: reg,

		reconcileTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_events_total",
			Help:      "Billing events processed, by event type and reconcile outcome.",
		}, []string{"event_type", "outcome"}),

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status.",
		}, []string{"method", "route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		aiGenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_generations_total",
			Help:      "AI reply generations, by result.",
		}, []string{"result"}),

		limitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_limit_rejections_total",
			Help:      "Requests rejected by a plan limit.",
		}, []string{"limit", "plan"}),
	}
}

// RecordReconcile implements billing.Metrics.
func (m *PrometheusMetrics) RecordReconcile(eventType types.BillingEventType, outcome types.ReconcileOutcome) {
	m.reconcileTotal.WithLabelValues(string(eventType), string(outcome)).Inc()
}

// RecordAIGeneration counts one generation attempt.
func (m *PrometheusMetrics) RecordAIGeneration(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.aiGenerations.WithLabelValues(result).Inc()
}

// RecordLimitRejection counts a request blocked by a plan limit.
func (m *PrometheusMetrics) RecordLimitRejection(code types.ErrorCode, plan types.PlanID) {
	m.limitRejections.WithLabelValues(string(code), string(plan)).Inc()
}

// Middleware records request count and latency labelled by the matched chi
// route pattern, so path parameters do not explode label cardinality.
func (m *PrometheusMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
