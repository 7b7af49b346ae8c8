// Package metrics holds the Prometheus counters of the messaging engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound routing outcomes.
const (
	OutcomeRouted    = "routed"
	OutcomeDuplicate = "duplicate"
	OutcomeBounce    = "bounce"
	OutcomeRejected  = "rejected"
	OutcomeUnrouted  = "unrouted"
	OutcomeFailed    = "failed"
)

var (
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadmail",
			Name:      "inbound_messages_total",
			Help:      "Inbound emails processed by the router, by outcome.",
		},
		[]string{"outcome"},
	)

	NotificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadmail",
			Name:      "notifications_created_total",
			Help:      "Delivery records created by the dispatcher, by channel.",
		},
		[]string{"channel"},
	)

	RenderFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "threadmail",
			Name:      "render_failures_total",
			Help:      "Recipient groups whose email could not be rendered.",
		},
	)

	OutboundMails = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "threadmail",
			Name:      "outbound_mails_total",
			Help:      "Outbound mails handed to the transport, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(InboundMessages)
	prometheus.MustRegister(NotificationsCreated)
	prometheus.MustRegister(RenderFailures)
	prometheus.MustRegister(OutboundMails)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
