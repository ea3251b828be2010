// Package metrics exposes the relay's prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay counters. Construct one per relay instance so
// tests can run isolated registries.
type Metrics struct {
	registry *prometheus.Registry

	EventsAdmitted   prometheus.Counter
	EventsRejected   prometheus.Counter
	PaymentsVerified prometheus.Counter
	PaymentsRejected prometheus.Counter
	PaymentsRequired prometheus.Counter
	Broadcasts       prometheus.Counter
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.EventsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_admitted_total",
		Help: "Events newly stored or accepted as ephemeral.",
	})
	m.EventsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_rejected_total",
		Help: "Events rejected as duplicates or stale replacements.",
	})
	m.PaymentsVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_payments_verified_total",
		Help: "Payment proofs that validated and were consumed.",
	})
	m.PaymentsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_payments_rejected_total",
		Help: "Payment proofs rejected during verification.",
	})
	m.PaymentsRequired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_payments_required_total",
		Help: "Write attempts answered with a payment-required response.",
	})
	m.Broadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Event messages pushed to matching subscriptions.",
	})

	m.registry.MustRegister(
		m.EventsAdmitted,
		m.EventsRejected,
		m.PaymentsVerified,
		m.PaymentsRejected,
		m.PaymentsRequired,
		m.Broadcasts,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
