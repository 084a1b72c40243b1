package retention

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for retention runs. A nil *Metrics is
// valid and records nothing, so CLI one-shot runs need no registry.
type Metrics struct {
	EventsDeleted    prometheus.Counter
	TemplatesDeleted prometheus.Counter
	Runs             prometheus.Counter
}

// NewMetrics creates Prometheus metrics for the retention job.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_retention_events_deleted_total",
			Help: "Total number of events deleted by retention",
		}),
		TemplatesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_retention_templates_deleted_total",
			Help: "Total number of unreferenced templates deleted by retention",
		}),
		Runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmesh_retention_runs_total",
			Help: "Total number of retention runs",
		}),
	}
	reg.MustRegister(m.EventsDeleted, m.TemplatesDeleted, m.Runs)
	return m
}

// observeRun records one finished (non-dry) retention run.
func (m *Metrics) observeRun(res *Result) {
	if m == nil {
		return
	}
	m.Runs.Inc()
	if res.DryRun {
		return
	}
	m.EventsDeleted.Add(float64(res.EventsDeleted))
	m.TemplatesDeleted.Add(float64(res.TemplatesDeleted))
}
