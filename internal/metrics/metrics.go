package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "failsafe"

// Metrics holds the collectors of the dispatch engine.
type Metrics struct {
	EventsTriggered   prometheus.Counter
	AlertsCreated     *prometheus.CounterVec
	Claims            *prometheus.CounterVec
	Escalations       *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	EligibilityQuery  prometheus.Histogram
	EscalationPending prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. reg must also be a Gatherer for Handler to work.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_triggered_total",
			Help:      "Emergency events created.",
		}),
		AlertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Dispatch alerts created, by round.",
		}, []string{"round"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Accept and decline attempts, by outcome.",
		}, []string{"outcome"}),
		Escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation timer outcomes.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Targeted push attempts, by outcome.",
		}, []string{"outcome"}),
		EligibilityQuery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "eligibility_query_seconds",
			Help:      "Latency of geo eligibility queries.",
			Buckets:   prometheus.DefBuckets,
		}),
		EscalationPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalations_pending",
			Help:      "Escalation timers currently armed in this process.",
		}),
	}

	reg.MustRegister(
		m.EventsTriggered,
		m.AlertsCreated,
		m.Claims,
		m.Escalations,
		m.Deliveries,
		m.EligibilityQuery,
		m.EscalationPending,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// NewUnregistered returns metrics on a private registry, for tests and tools.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
