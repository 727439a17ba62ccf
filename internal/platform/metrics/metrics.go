// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

type Metrics struct {
	DeploysTotal         *prometheus.CounterVec
	DeployDuration       prometheus.Histogram
	ArtifactRollbacks    prometheus.Counter
	RunTransitionsTotal  *prometheus.CounterVec
	RunReportsIgnored    prometheus.Counter
	ReconcileTotal       *prometheus.CounterVec
	DeletionsTotal       *prometheus.CounterVec
	NamespaceCacheHits   prometheus.Counter
	NamespaceCacheMisses prometheus.Counter
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
}

// Default returns the process-wide collectors. Registration happens once so
// tests and multiple services in one binary do not collide.
//
// Metrics, all prefixed appfabric_:
//   - deploys_total{outcome}
//   - deploy_duration_seconds
//   - artifact_rollbacks_total
//   - run_transitions_total{from,to}
//   - run_reports_ignored_total
//   - reconcile_total{outcome}
//   - deletions_total{outcome}
//   - namespace_cache_hits_total / namespace_cache_misses_total
//   - http_requests_total{method,route,status}
//   - http_request_duration_seconds{method,route}
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DeploysTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "appfabric_deploys_total",
				Help: "Deploy attempts by outcome.",
			}, []string{"outcome"}),
			DeployDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "appfabric_deploy_duration_seconds",
				Help:    "Wall time of deploy attempts including instantiation.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
			}),
			ArtifactRollbacks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "appfabric_artifact_rollbacks_total",
				Help: "Artifacts removed after a failed deploy added them.",
			}),
			RunTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "appfabric_run_transitions_total",
				Help: "Applied run status transitions.",
			}, []string{"from", "to"}),
			RunReportsIgnored: promauto.NewCounter(prometheus.CounterOpts{
				Name: "appfabric_run_reports_ignored_total",
				Help: "Runtime reports that did not change a run record.",
			}),
			ReconcileTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "appfabric_reconcile_total",
				Help: "Runs examined by the liveness reconciler by outcome.",
			}, []string{"outcome"}),
			DeletionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "appfabric_deletions_total",
				Help: "Application deletions by outcome.",
			}, []string{"outcome"}),
			NamespaceCacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "appfabric_namespace_cache_hits_total",
				Help: "Namespace lookups served from cache.",
			}),
			NamespaceCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "appfabric_namespace_cache_misses_total",
				Help: "Namespace lookups that reached the repository.",
			}),
			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "appfabric_http_requests_total",
				Help: "HTTP requests by route and status.",
			}, []string{"method", "route", "status"}),
			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "appfabric_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
	})
	return globalMetrics
}

func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument records request counts and latency per matched ServeMux
// pattern. It must wrap the mux directly so the pattern is visible.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
