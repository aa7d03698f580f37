package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the payment-to-fulfillment pipeline
var (
	WebhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Payment webhook requests by outcome",
		},
		[]string{"outcome"},
	)

	WebhookProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_processing_duration_seconds",
			Help:    "Time from webhook receipt to a finished ledger record",
			Buckets: prometheus.DefBuckets,
		},
	)

	FulfillmentAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillment_attempts_total",
			Help: "Fulfillment transaction attempts by result",
		},
		[]string{"result"},
	)

	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Payment failures handed to operators",
		},
		[]string{"reason"},
	)

	TicketVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_verifications_total",
			Help: "Ticket verifications by mode and result",
		},
		[]string{"mode", "result"},
	)

	NotificationsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_published_total",
			Help: "Outbox messages published to the broker",
		},
		[]string{"kind"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(WebhookRequestsTotal)
	prometheus.MustRegister(WebhookProcessingDuration)
	prometheus.MustRegister(FulfillmentAttemptsTotal)
	prometheus.MustRegister(EscalationsTotal)
	prometheus.MustRegister(TicketVerificationsTotal)
	prometheus.MustRegister(NotificationsPublishedTotal)
}
