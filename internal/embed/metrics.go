package embed

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for embedding gateway traffic.
type Metrics struct {
	RequestsTotal prometheus.Counter // HTTP requests issued to the gateway
	ErrorsTotal   prometheus.Counter // Batches that exhausted their retries
	TextsTotal    prometheus.Counter // Texts successfully embedded
}

// NewMetrics creates Prometheus metrics for one embedding client.
// The registerer parameter allows flexible registration (e.g., global registry, test registry).
// The model name is attached as a constant label so dashboards can tell
// traffic apart when the configured model changes.
func NewMetrics(reg prometheus.Registerer, model string) *Metrics {
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "devmesh_embed_requests_total",
		Help:        "Total number of HTTP requests issued to the embedding gateway",
		ConstLabels: prometheus.Labels{"model": model},
	})

	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "devmesh_embed_errors_total",
		Help:        "Total number of embedding batches that exhausted their retries",
		ConstLabels: prometheus.Labels{"model": model},
	})

	textsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "devmesh_embed_texts_total",
		Help:        "Total number of texts successfully embedded",
		ConstLabels: prometheus.Labels{"model": model},
	})

	reg.MustRegister(requestsTotal)
	reg.MustRegister(errorsTotal)
	reg.MustRegister(textsTotal)

	return &Metrics{
		RequestsTotal: requestsTotal,
		ErrorsTotal:   errorsTotal,
		TextsTotal:    textsTotal,
	}
}
