// Package metrics provides vault metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for vault
// operations, balances, adapter health, decision logging and notarization.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector provides vault metrics collection.
type Collector struct {
	registry *prometheus.Registry

	// Operation metrics
	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec

	// Balance metrics
	totalAssets prometheus.Gauge
	totalShares prometheus.Gauge
	idleAssets  prometheus.Gauge
	paused      prometheus.Gauge

	// Adapter metrics
	adapterReported  *prometheus.GaugeVec
	adapterAllocated *prometheus.GaugeVec
	adapterHealthy   *prometheus.GaugeVec

	// Audit metrics
	decisions         *prometheus.CounterVec
	integrityFailures prometheus.Counter

	// Background metrics
	persistFailures *prometheus.CounterVec
	notaryBatches   *prometheus.CounterVec
	notaryDropped   prometheus.Counter
	keeperRuns      *prometheus.CounterVec
	keeperLatency   prometheus.Histogram

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a new vault metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "vault"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Vault operations by result (success or error code)",
		},
		[]string{"operation", "result"},
	)

	c.operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Time taken by vault operations including adapter calls",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"operation"},
	)

	c.totalAssets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "total_assets",
		Help:      "Total assets under management in base units",
	})

	c.totalShares = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "total_shares",
		Help:      "Total shares outstanding",
	})

	c.idleAssets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "idle_assets",
		Help:      "Assets held by the vault and not placed in any adapter",
	})

	c.paused = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "paused",
		Help:      "1 while the vault is paused",
	})

	c.adapterReported = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "reported_assets",
			Help:      "Assets reported by the adapter at the last probe",
		},
		[]string{"adapter", "label"},
	)

	c.adapterAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "allocated_assets",
			Help:      "Book value the vault has placed in the adapter",
		},
		[]string{"adapter", "label"},
	)

	c.adapterHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "healthy",
			Help:      "Adapter health at the last probe (1=healthy)",
		},
		[]string{"adapter", "label"},
	)

	c.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "decisions_total",
			Help:      "Decisions appended to the audit log by type",
		},
		[]string{"type"},
	)

	c.integrityFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "integrity_failures_total",
		Help:      "Decisions that failed integrity verification",
	})

	c.persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persist_failures_total",
			Help:      "Failed attempts to persist vault state",
		},
		[]string{"stage"},
	)

	c.notaryBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notary",
			Name:      "batches_total",
			Help:      "Notarization batches submitted per sink and result",
		},
		[]string{"sink", "result"},
	)

	c.notaryDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notary",
		Name:      "dropped_total",
		Help:      "Decisions dropped before notarization because the queue was full",
	})

	c.keeperRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "runs_total",
			Help:      "Keeper runs by result",
		},
		[]string{"result"},
	)

	c.keeperLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "keeper",
		Name:      "run_duration_seconds",
		Help:      "Time taken by a keeper run",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
	})

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.registry.MustRegister(
		c.operations,
		c.operationLatency,
		c.totalAssets,
		c.totalShares,
		c.idleAssets,
		c.paused,
		c.adapterReported,
		c.adapterAllocated,
		c.adapterHealthy,
		c.decisions,
		c.integrityFailures,
		c.persistFailures,
		c.notaryBatches,
		c.notaryDropped,
		c.keeperRuns,
		c.keeperLatency,
		c.httpRequests,
		c.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the collected metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// Recorders
// =============================================================================

// RecordOperation records a vault operation. result is "success" or the
// error code.
func (c *Collector) RecordOperation(operation, result string, duration time.Duration) {
	c.operations.WithLabelValues(operation, result).Inc()
	c.operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBalances records the vault totals.
func (c *Collector) SetBalances(totalAssets, totalShares, idleAssets uint64, paused bool) {
	c.totalAssets.Set(float64(totalAssets))
	c.totalShares.Set(float64(totalShares))
	c.idleAssets.Set(float64(idleAssets))
	if paused {
		c.paused.Set(1)
	} else {
		c.paused.Set(0)
	}
}

// SetAdapter records the cached state of one adapter.
func (c *Collector) SetAdapter(id uint32, label string, reported, allocated uint64, healthy bool) {
	key := strconv.FormatUint(uint64(id), 10)
	c.adapterReported.WithLabelValues(key, label).Set(float64(reported))
	c.adapterAllocated.WithLabelValues(key, label).Set(float64(allocated))
	h := 0.0
	if healthy {
		h = 1
	}
	c.adapterHealthy.WithLabelValues(key, label).Set(h)
}

// RecordDecision counts an appended decision.
func (c *Collector) RecordDecision(decisionType string) {
	c.decisions.WithLabelValues(decisionType).Inc()
}

// RecordIntegrityFailure counts a failed verification.
func (c *Collector) RecordIntegrityFailure() {
	c.integrityFailures.Inc()
}

// RecordPersistFailure counts a failed persistence stage.
func (c *Collector) RecordPersistFailure(stage string) {
	c.persistFailures.WithLabelValues(stage).Inc()
}

// RecordNotaryBatch records a batch submission to sink.
func (c *Collector) RecordNotaryBatch(sink string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.notaryBatches.WithLabelValues(sink, result).Inc()
}

// RecordNotaryDropped counts decisions dropped by a full notary queue.
func (c *Collector) RecordNotaryDropped() {
	c.notaryDropped.Inc()
}

// RecordKeeperRun records a keeper run.
func (c *Collector) RecordKeeperRun(duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.keeperRuns.WithLabelValues(result).Inc()
	c.keeperLatency.Observe(duration.Seconds())
}

// =============================================================================
// HTTP instrumentation
// =============================================================================

// InstrumentHandler wraps next with request metrics. /metrics itself is not
// counted.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		method := strings.ToUpper(r.Method)
		path := routePath(r)
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// routePath prefers the matched route template so path variables do not
// explode label cardinality.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
