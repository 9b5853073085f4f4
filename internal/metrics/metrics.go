// Package metrics exposes the agent's Prometheus counters: events appended
// to the ledger, broken down by kind, and secrets found during scanning.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fisml/agent/internal/ledger"
)

// Registry holds the agent's metric collectors and the private Prometheus
// registerer they are registered against, so multiple Registry instances
// (e.g. in tests) never collide on the global default registerer.
type Registry struct {
	events     *prometheus.CounterVec
	secrets    prometheus.Counter
	handlerReg *prometheus.Registry
}

// NewRegistry creates and registers the agent's metrics.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fisml_events_total",
			Help: "Total number of ledger events appended, by kind.",
		}, []string{"kind"}),
		secrets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fisml_secrets_total",
			Help: "Total number of secret findings recorded across all events.",
		}),
		handlerReg: reg,
	}
	reg.MustRegister(r.events, r.secrets)
	return r
}

// IncEvent increments the counter for kind.
func (r *Registry) IncEvent(kind ledger.EventKind) {
	r.events.WithLabelValues(string(kind)).Inc()
}

// AddSecrets increments the secret-findings counter by n.
func (r *Registry) AddSecrets(n int) {
	if n <= 0 {
		return
	}
	r.secrets.Add(float64(n))
}

// Handler returns the http.Handler that serves this Registry's metrics in
// the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.handlerReg, promhttp.HandlerOpts{})
}
