package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the application. All methods
// are safe on a nil receiver so wiring stays optional in tests.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	transitionsTotal *prometheus.CounterVec
	batchRowsTotal   *prometheus.CounterVec
	lockWaits        prometheus.Histogram
	rebuildBacklog   prometheus.Gauge
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vantage_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vantage_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vantage_document_transitions_total",
		Help: "Document lifecycle transitions by kind, operation and outcome.",
	}, []string{"kind", "op", "outcome"})
	batchRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vantage_ledger_rows_total",
		Help: "Ledger rows written by batch kind.",
	}, []string{"kind"})
	lockWaits := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vantage_document_lock_wait_seconds",
		Help:    "Time spent waiting for document locks.",
		Buckets: prometheus.DefBuckets,
	})
	rebuildBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vantage_valuation_rebuild_backlog",
		Help: "Stock balances flagged for rebuild.",
	})
	registry.MustRegister(requests, duration, transitions, batchRows, lockWaits, rebuildBacklog)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		transitionsTotal: transitions,
		batchRowsTotal:   batchRows,
		lockWaits:        lockWaits,
		rebuildBacklog:   rebuildBacklog,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveTransition counts one lifecycle operation.
func (m *Metrics) ObserveTransition(kind, op, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(kind, op, outcome).Inc()
}

// ObserveBatchRows counts rows written for a batch kind.
func (m *Metrics) ObserveBatchRows(kind string, rows int) {
	if m == nil {
		return
	}
	m.batchRowsTotal.WithLabelValues(kind).Add(float64(rows))
}

// ObserveLockWait records how long a document lock took to acquire.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWaits.Observe(d.Seconds())
}

// SetRebuildBacklog reports the current rebuild queue depth.
func (m *Metrics) SetRebuildBacklog(n int) {
	if m == nil {
		return
	}
	m.rebuildBacklog.Set(float64(n))
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
