// Package metrics exposes Prometheus metrics for catalog import runs and
// background synchronization. Metrics are registered on the default
// registry via promauto and served by the sync command's /metrics
// endpoint when an address is configured.
//
//	metrics.RecordsProcessed.WithLabelValues("midrange", "PARTS", "created").Add(42)
//
//	timer := metrics.NewTimer()
//	loadBatch(batch)
//	metrics.BatchDuration.WithLabelValues("load", "PARTS").Observe(timer.Stop().Seconds())
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed counts records by final classification.
	// Labels: source_type, entity_type, outcome (created/updated/skipped/failed)
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_records_processed_total",
			Help: "Total number of records processed by outcome",
		},
		[]string{"source_type", "entity_type", "outcome"},
	)

	// BatchDuration tracks per-batch stage latency in seconds.
	// Labels: stage (extract/transform/load), entity_type
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_batch_duration_seconds",
			Help:    "Batch processing latency by pipeline stage",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"stage", "entity_type"},
	)

	// RunsTotal counts pipeline runs by terminal state.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_runs_total",
			Help: "Pipeline runs by terminal state",
		},
		[]string{"source_type", "entity_type", "state"},
	)

	// LoadRetries counts retried batch loads.
	LoadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_load_retries_total",
			Help: "Batch loads retried after a persistence error",
		},
		[]string{"entity_type"},
	)

	// ConnectRetries counts retried connection attempts.
	ConnectRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_connect_retries_total",
			Help: "Source connection attempts retried after a transient failure",
		},
		[]string{"source_type"},
	)

	// DeferredRecords is the number of records waiting on a reference.
	DeferredRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_deferred_records",
			Help: "Records parked until a referenced entity exists",
		},
		[]string{"entity_type"},
	)

	// SyncWatermark is the last successful sync watermark as a unix time.
	SyncWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_sync_watermark_seconds",
			Help: "Watermark of the last successful sync per entity type",
		},
		[]string{"entity_type"},
	)

	// SyncRuns counts sync service runs by status.
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_sync_runs_total",
			Help: "Sync service runs by status",
		},
		[]string{"entity_type", "status"},
	)

	// Throughput tracks records per second of the most recent run.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogsync_throughput_records_per_second",
			Help: "Throughput of the most recent run in records per second",
		},
		[]string{"source_type", "entity_type"},
	)
)

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started. It may be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks records per second over a run. Safe for
// concurrent use.
type ThroughputTracker struct {
	mu         sync.Mutex
	count      int64
	lastReset  time.Time
	sourceType string
	entityType string
}

// NewThroughputTracker creates a tracker labelled for one run.
func NewThroughputTracker(sourceType, entityType string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset:  time.Now(),
		sourceType: sourceType,
		entityType: entityType,
	}
}

// Increment adds n to the record count.
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset publishes and returns the throughput since the last reset.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()
	Throughput.WithLabelValues(t.sourceType, t.entityType).Set(throughput)

	return throughput
}
