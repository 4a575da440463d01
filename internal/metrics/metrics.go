// Package metrics provides Prometheus instrumentation for the medportal core.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medportal"

// Request outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeCached  = "cached"
	OutcomeQueued  = "queued"
	OutcomeError   = "error"
)

// Metrics holds every collector.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec
	RequestRetriesTotal    prometheus.Counter
	RequestDurationSeconds *prometheus.HistogramVec

	SyncRunsTotal       *prometheus.CounterVec
	SyncDurationSeconds prometheus.Histogram
	SyncItemsTotal      prometheus.Counter
	QueueDepth          *prometheus.GaugeVec
	ConflictsTotal      prometheus.Counter

	CacheBytes        prometheus.Gauge
	ImageCacheLookups *prometheus.CounterVec
	OptimizationFlags *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "requests_total",
			Help:      "Requests issued by the network client by method and outcome",
		}, []string{"method", "outcome"}),
		RequestRetriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "request_retries_total",
			Help:      "Retried request attempts",
		}),
		RequestDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "request_duration_seconds",
			Help:      "Request duration including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),

		SyncRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Synchronization runs by trigger and status",
		}, []string{"trigger", "status"}),
		SyncDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Synchronization run duration",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		SyncItemsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Entities and mutations synchronized",
		}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Sync queue items by status",
		}, []string{"status"}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Mutations rejected by the server as stale",
		}),

		CacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Bytes held by the offline cache",
		}),
		ImageCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "image_lookups_total",
			Help:      "Image pipeline lookups by tier (memory, disk, miss)",
		}, []string{"tier"}),
		OptimizationFlags: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "optimization_flag",
			Help:      "Current optimization strategy flags (1 = on)",
		}, []string{"flag"}),
	}
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
	m.RequestDurationSeconds.WithLabelValues(method).Observe(d.Seconds())
}

// IncRetry records one retried attempt.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.RequestRetriesTotal.Inc()
}

// ObserveSync records one synchronization run.
func (m *Metrics) ObserveSync(trigger string, success bool, items int, d time.Duration) {
	if m == nil {
		return
	}
	status := OutcomeSuccess
	if !success {
		status = OutcomeError
	}
	m.SyncRunsTotal.WithLabelValues(trigger, status).Inc()
	m.SyncDurationSeconds.Observe(d.Seconds())
	m.SyncItemsTotal.Add(float64(items))
}

// IncConflict records one stale rejection.
func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

// SetQueueDepth sets the number of queue items in status.
func (m *Metrics) SetQueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(status).Set(float64(n))
}

// SetCacheBytes sets the offline cache size.
func (m *Metrics) SetCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}

// IncImageLookup records an image lookup served from tier.
func (m *Metrics) IncImageLookup(tier string) {
	if m == nil {
		return
	}
	m.ImageCacheLookups.WithLabelValues(tier).Inc()
}

// SetOptimizationFlag sets one strategy flag.
func (m *Metrics) SetOptimizationFlag(flag string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.OptimizationFlags.WithLabelValues(flag).Set(v)
}
