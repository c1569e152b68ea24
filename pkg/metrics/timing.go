// Package metrics provides instrumentation for annosync.
//
// Timing metrics cover the hot paths of the engine: persisting and reloading
// the document, snapshots, broadcasts, reconciliation and export. Each one
// keeps in-memory counters (served as JSON on /api/metrics) and feeds the
// annosync_operation_duration_seconds histogram. Session and event counters
// live in prometheus.go. Both are served on /metrics.
//
// Timing collection is on unless ANNOSYNC_METRICS=0.
//
// Usage:
//
//	func persist() {
//	    defer metrics.Timer(metrics.Persist)()
//	    // ... operation code
//	}
package metrics

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var enabled atomic.Bool

func init() {
	enabled.Store(os.Getenv("ANNOSYNC_METRICS") != "0")
}

// Enabled returns whether timing collection is on.
func Enabled() bool {
	return enabled.Load()
}

// SetEnabled turns timing collection on or off.
func SetEnabled(e bool) {
	enabled.Store(e)
}

// OperationDuration is the latency histogram behind every TimingMetric.
var OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "annosync",
	Name:      "operation_duration_seconds",
	Help:      "Duration of engine operations.",
	Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"operation"})

// TimingMetric tracks latency for one named operation.
type TimingMetric struct {
	name     string
	observer prometheus.Observer

	count   atomic.Int64
	totalNs atomic.Int64
	maxNs   atomic.Int64
	minNs   atomic.Int64 // 0 until the first measurement
}

func newTimingMetric(name string) *TimingMetric {
	return &TimingMetric{
		name:     name,
		observer: OperationDuration.WithLabelValues(name),
	}
}

// Record adds one measurement.
func (m *TimingMetric) Record(d time.Duration) {
	if !Enabled() {
		return
	}
	ns := d.Nanoseconds()
	m.count.Add(1)
	m.totalNs.Add(ns)
	m.observer.Observe(d.Seconds())

	for {
		old := m.maxNs.Load()
		if ns <= old || m.maxNs.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.minNs.Load()
		if (old != 0 && ns >= old) || m.minNs.CompareAndSwap(old, ns) {
			break
		}
	}
}

// Name returns the metric name.
func (m *TimingMetric) Name() string {
	return m.name
}

// Count returns the number of recorded measurements.
func (m *TimingMetric) Count() int64 {
	return m.count.Load()
}

// TimingStats is a snapshot of one TimingMetric.
type TimingStats struct {
	Name    string  `json:"name"`
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	AvgMs   float64 `json:"avg_ms"`
	MaxMs   float64 `json:"max_ms"`
	MinMs   float64 `json:"min_ms,omitempty"`
}

// Stats returns a snapshot of the metric.
func (m *TimingMetric) Stats() TimingStats {
	count := m.count.Load()
	total := m.totalNs.Load()
	s := TimingStats{
		Name:    m.name,
		Count:   count,
		TotalMs: nsToMs(total),
		MaxMs:   nsToMs(m.maxNs.Load()),
		MinMs:   nsToMs(m.minNs.Load()),
	}
	if count > 0 {
		s.AvgMs = nsToMs(total / count)
	}
	return s
}

// Reset clears the in-memory counters. The Prometheus histogram is
// cumulative and is not reset.
func (m *TimingMetric) Reset() {
	m.count.Store(0)
	m.totalNs.Store(0)
	m.maxNs.Store(0)
	m.minNs.Store(0)
}

func nsToMs(ns int64) float64 {
	return float64(ns) / 1e6
}

// Timer returns a function that records the elapsed time when called:
//
//	defer metrics.Timer(metrics.Reload)()
func Timer(m *TimingMetric) func() {
	if !Enabled() || m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.Record(time.Since(start))
	}
}

// Engine operation timings.
var (
	Persist    = newTimingMetric("persist")
	Load       = newTimingMetric("load")
	Reload     = newTimingMetric("reload")
	Snapshot   = newTimingMetric("snapshot")
	Recover    = newTimingMetric("recover")
	Broadcast  = newTimingMetric("broadcast")
	Reconcile  = newTimingMetric("reconcile")
	ExportTime = newTimingMetric("export")
)

// AllTimingMetrics returns every timing metric.
func AllTimingMetrics() []*TimingMetric {
	return []*TimingMetric{Persist, Load, Reload, Snapshot, Recover, Broadcast, Reconcile, ExportTime}
}

// ResetAll resets every timing metric.
func ResetAll() {
	for _, m := range AllTimingMetrics() {
		m.Reset()
	}
}

// AllTimingStats returns snapshots of the metrics that have measurements.
func AllTimingStats() []TimingStats {
	all := AllTimingMetrics()
	stats := make([]TimingStats, 0, len(all))
	for _, m := range all {
		if m.Count() > 0 {
			stats = append(stats, m.Stats())
		}
	}
	return stats
}
