// Package metrics exposes the pipeline's Prometheus collectors. Collectors
// live on a package registry so the runner and scheduler can record without
// threading a registry through every constructor; Reset gives tests a clean
// slate.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values recorded by the pipeline.
const (
	ResultSuccess = "success"
	ResultError   = "error"

	KindInventory    = "inventory"
	KindReservations = "reservations"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	cyclesTotal   *prometheus.CounterVec
	filesTotal    *prometheus.CounterVec
	rowsInserted  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing the collectors in Prometheus
// exposition format. Served at metrics_addr in schedule mode.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one completed ingestion cycle.
func ObserveCycle(result string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()

	if cyclesTotal != nil {
		cyclesTotal.WithLabelValues(result).Inc()
	}

	if cycleDuration != nil {
		cycleDuration.Observe(duration.Seconds())
	}
}

// IncFile records the final disposition of one processed artefact.
func IncFile(kind, outcome string) {
	mu.RLock()
	defer mu.RUnlock()

	if filesTotal != nil {
		filesTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// AddRowsInserted records rows committed to a table.
func AddRowsInserted(table string, n int) {
	if n <= 0 {
		return
	}

	mu.RLock()
	defer mu.RUnlock()

	if rowsInserted != nil {
		rowsInserted.WithLabelValues(table).Add(float64(n))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "innsight",
		Subsystem: "pipeline",
		Name:      "cycles_total",
		Help:      "Total ingestion cycles by result.",
	}, []string{"result"})

	files := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "innsight",
		Subsystem: "pipeline",
		Name:      "files_total",
		Help:      "Total processed artefacts by kind and outcome.",
	}, []string{"kind", "outcome"})

	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "innsight",
		Subsystem: "pipeline",
		Name:      "rows_inserted_total",
		Help:      "Total rows committed per table.",
	}, []string{"table"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "innsight",
		Subsystem: "pipeline",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of ingestion cycles.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	registry.MustRegister(cycles, files, rows, duration)

	reg = registry
	cyclesTotal = cycles
	filesTotal = files
	rowsInserted = rows
	cycleDuration = duration
}
