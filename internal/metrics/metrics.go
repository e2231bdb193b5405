// Package metrics defines the Prometheus collectors exported by the ledger.
//
// A nil *Metrics is valid and records nothing, so components can be built without it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credit_ledger"

// Outcome labels.
const (
	OutcomeApplied      = "applied"
	OutcomeReplayed     = "replayed"
	OutcomeInsufficient = "insufficient"
	OutcomeRejected     = "rejected"
	OutcomeFailed       = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	postings           *prometheus.CounterVec
	postingDuration    *prometheus.HistogramVec
	refundFailures     prometheus.Counter
	reconcileRuns      *prometheus.CounterVec
	reconcileMismatch  prometheus.Counter
	reconcileAccounts  prometheus.Gauge
	httpInFlight       prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	rateLimitRejection prometheus.Counter
}

// New builds the collectors on a fresh registry, including the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "postings_total",
			Help:      "Balance postings by reason kind and outcome.",
		}, []string{"reason", "outcome"}),
		postingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "posting_duration_seconds",
			Help:      "Time spent applying a posting, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"reason"}),
		refundFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compensation",
			Name:      "refund_failures_total",
			Help:      "Refunds that could not be written.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation runs by result.",
		}, []string{"result"}),
		reconcileMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "mismatches_total",
			Help:      "Accounts whose balance disagreed with their entries.",
		}),
		reconcileAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "accounts_checked",
			Help:      "Accounts audited by the last reconciliation run.",
		}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		rateLimitRejection: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.postings,
		m.postingDuration,
		m.refundFailures,
		m.reconcileRuns,
		m.reconcileMismatch,
		m.reconcileAccounts,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.rateLimitRejection,
	)
	return m
}

func (m *Metrics) Posting(reason, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(reason, outcome).Inc()
	m.postingDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
}

func (m *Metrics) RefundFailed() {
	if m == nil {
		return
	}
	m.refundFailures.Inc()
}

func (m *Metrics) ReconcileRun(result string, accounts int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	m.reconcileAccounts.Set(float64(accounts))
}

func (m *Metrics) ReconcileMismatch() {
	if m == nil {
		return
	}
	m.reconcileMismatch.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejection.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. pattern is the route label, kept
// low-cardinality by using the registered mux pattern rather than the raw path.
func (m *Metrics) Middleware(pattern string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		m.httpRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
