package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts webhook deliveries by Stripe event type and outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantgate",
		Name:      "webhook_events_total",
		Help:      "Billing webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	CheckoutSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantgate",
		Name:      "checkout_sessions_total",
		Help:      "Checkout sessions requested by outcome.",
	}, []string{"outcome"})

	Confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantgate",
		Name:      "checkout_confirmations_total",
		Help:      "Checkout confirmations by outcome.",
	}, []string{"outcome"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grantgate",
		Name:      "entitlement_notifications_total",
		Help:      "Activation notifications by result.",
	}, []string{"result"})

	ProcessorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grantgate",
		Name:      "processor_request_seconds",
		Help:      "Latency of payment processor API calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
