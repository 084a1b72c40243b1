package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the ingest pipeline.
type Metrics struct {
	EventsIngested   prometheus.Counter   // Events accepted into the event store
	EventsDuplicate  prometheus.Counter   // Events dropped as duplicate submissions
	EventsFailed     prometheus.Counter   // Events failed (validation passed but processing broke)
	TemplatesCreated prometheus.Counter   // Templates minted by first-sight events
	QueueDepth       prometheus.Gauge     // Batches admitted but not yet finished
	BatchDuration    prometheus.Histogram // Wall time per batch
}

// NewMetrics creates Prometheus metrics for the pipeline.
// The registerer parameter allows flexible registration (e.g., global registry, test registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_ingest_events_total",
			Help: "Total number of events accepted into the event store",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_ingest_duplicates_total",
			Help: "Total number of events dropped as duplicate submissions",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_ingest_failed_total",
			Help: "Total number of events that failed during processing",
		}),
		TemplatesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_ingest_templates_created_total",
			Help: "Total number of new templates created by ingest",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devmesh_ingest_queue_depth",
			Help: "Number of batches admitted to the pipeline but not yet finished",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devmesh_ingest_batch_duration_seconds",
			Help:    "Wall-clock duration of one ingest batch",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	reg.MustRegister(m.EventsIngested, m.EventsDuplicate, m.EventsFailed,
		m.TemplatesCreated, m.QueueDepth, m.BatchDuration)
	return m
}
