// Package metrics provides Prometheus metrics for the PageStore engine
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine. Queue metrics carry a
// "queue" label, "normal" or "reserve".
type Metrics struct {
	// Free-page queue metrics
	PagesAppended *prometheus.CounterVec
	PagesRemoved  *prometheus.CounterVec
	HeapDrains    *prometheus.CounterVec
	NodesWritten  *prometheus.CounterVec

	// Page manager metrics
	PagesAllocated *prometheus.CounterVec
	PagesDeleted   prometheus.Counter
	FreePages      prometheus.Gauge
	TotalPages     prometheus.Gauge

	// Checkpoint metrics
	CheckpointsTotal   prometheus.Counter
	CheckpointDuration prometheus.Histogram

	// Corruption detections across all subsystems
	CorruptionsTotal prometheus.Counter
}

var (
	global *Metrics
	once   sync.Once
)

// Get returns the process-wide metrics, registering them on the default
// registry on first use. The engine is a library; registration must not
// run once per store instance.
func Get() *Metrics {
	once.Do(func() {
		global = newMetrics()
	})
	return global
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.PagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_queue_pages_appended_total",
			Help: "Total number of page ids appended to a free queue",
		},
		[]string{"queue"},
	)

	m.PagesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_queue_pages_removed_total",
			Help: "Total number of page ids removed from a free queue",
		},
		[]string{"queue"},
	)

	m.HeapDrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_queue_heap_drains_total",
			Help: "Total number of append heap drains into a tail node",
		},
		[]string{"queue"},
	)

	m.NodesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_queue_nodes_written_total",
			Help: "Total number of queue node pages written",
		},
		[]string{"queue"},
	)

	m.PagesAllocated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_pages_allocated_total",
			Help: "Total number of page allocations by source",
		},
		[]string{"source"},
	)

	m.PagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_pages_deleted_total",
			Help: "Total number of pages deleted back to the free queues",
		},
	)

	m.FreePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_free_pages",
			Help: "Free pages tracked by the queues at the last checkpoint",
		},
	)

	m.TotalPages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_total_pages",
			Help: "Total pages in the backing store",
		},
	)

	m.CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_checkpoints_total",
			Help: "Total number of completed checkpoints",
		},
	)

	m.CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_checkpoint_duration_seconds",
			Help:    "Duration of checkpoints in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	m.CorruptionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_corruptions_total",
			Help: "Total number of detected free list corruptions",
		},
	)

	return m
}
