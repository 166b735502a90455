package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter bridges observer snapshots into Prometheus counters, labeled by
// source id. Counters only move forward; after an observer reset the exporter
// keeps its cumulative totals, so a restarted run keeps counting from where
// the previous run left off.
type Exporter struct {
	registry *prometheus.Registry

	dispatched *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	errors     *prometheus.CounterVec
	batchSize  *prometheus.HistogramVec

	mu   sync.Mutex
	seen map[string]Snapshot
}

// NewExporter builds an exporter with its own registry so tests and embedded
// hosts never collide on the global default.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_run_source_dispatched_total",
			Help: "Records dispatched to sinks.",
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_run_source_skipped_total",
			Help: "Records consumed but not dispatched.",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_run_source_dropped_total",
			Help: "Records dropped after delivery retries were exhausted.",
		}, []string{"source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_run_source_errors_total",
			Help: "Delivery attempts that returned an error.",
		}, []string{"source"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "test_run_source_batch_size",
			Help:    "Records per dispatched batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}, []string{"source"}),
		seen: make(map[string]Snapshot),
	}
	e.registry.MustRegister(e.dispatched, e.skipped, e.dropped, e.errors, e.batchSize)
	return e
}

// Record folds a new snapshot for the given source into the counters. Safe
// to call from each source's dispatch goroutine.
func (e *Exporter) Record(source string, snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.seen[source]
	addDelta(e.dispatched.WithLabelValues(source), snap.DispatchedCount, prev.DispatchedCount)
	addDelta(e.skipped.WithLabelValues(source), snap.SkippedCount, prev.SkippedCount)
	addDelta(e.dropped.WithLabelValues(source), snap.DroppedCount, prev.DroppedCount)
	addDelta(e.errors.WithLabelValues(source), snap.ErrorCount, prev.ErrorCount)
	e.seen[source] = snap
}

// ObserveBatch records the size of one dispatched batch.
func (e *Exporter) ObserveBatch(source string, size int) {
	e.batchSize.WithLabelValues(source).Observe(float64(size))
}

func addDelta(c prometheus.Counter, cur, prev int64) {
	if d := cur - prev; d > 0 {
		c.Add(float64(d))
	}
}

// Handler serves the exporter's registry in the standard exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for test assertions.
func (e *Exporter) Gatherer() prometheus.Gatherer {
	return e.registry
}

// Serve runs a /metrics endpoint on the given port until the server fails.
func (e *Exporter) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
