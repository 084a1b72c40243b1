package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the safety-net jobs. A nil *Metrics
// is valid and records nothing, so CLI one-shot runs need no registry.
type Metrics struct {
	RowsProcessed *prometheus.CounterVec // rows walked, by job
	RowsRepaired  *prometheus.CounterVec // events assigned / templates embedded, by job
	Errors        *prometheus.CounterVec // rows skipped after an error, by job
}

// NewMetrics creates Prometheus metrics for the backfill jobs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_backfill_rows_processed_total",
			Help: "Total number of rows scanned by backfill jobs",
		}, []string{"job"}),
		RowsRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_backfill_rows_repaired_total",
			Help: "Total number of rows repaired by backfill jobs",
		}, []string{"job"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_backfill_errors_total",
			Help: "Total number of rows skipped by backfill jobs after an error",
		}, []string{"job"}),
	}
	reg.MustRegister(m.RowsProcessed, m.RowsRepaired, m.Errors)
	return m
}

// observeRun records one finished run for the named job.
func (m *Metrics) observeRun(job string, stats *Stats) {
	if m == nil {
		return
	}
	m.RowsProcessed.WithLabelValues(job).Add(float64(stats.Scanned))
	m.RowsRepaired.WithLabelValues(job).Add(float64(stats.Repaired))
	m.Errors.WithLabelValues(job).Add(float64(stats.Skipped))
}
