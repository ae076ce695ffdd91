// Package metrics registers the gateway's Prometheus instruments. Exposed
// on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument. A single package-level instance backs the
// default registry; promauto registration must happen exactly once.
type Metrics struct {
	SessionsCreated prometheus.Counter
	Transitions     *prometheus.CounterVec // label: to

	PaymentEvents *prometheus.CounterVec // label: source
	EventsDropped prometheus.Counter

	RpcConnected    prometheus.Gauge
	Reconciliations prometheus.Counter

	WebhookDeliveries *prometheus.CounterVec // label: outcome
	WebhookQueueDepth prometheus.Gauge
	WebhookLatency    prometheus.Histogram
}

// Default is the process-wide instrument set.
var Default = &Metrics{
	SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
		Name: "kasgate_sessions_created_total",
		Help: "Payment sessions created",
	}),
	Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kasgate_session_transitions_total",
		Help: "Session state transitions by target status",
	}, []string{"to"}),

	PaymentEvents: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kasgate_payment_events_total",
		Help: "Chain payment events forwarded to the engine, by source",
	}, []string{"source"}),
	EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
		Name: "kasgate_events_dropped_total",
		Help: "Chain events dropped due to full queues",
	}),

	RpcConnected: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kasgate_rpc_connected",
		Help: "1 while the node RPC websocket is usable",
	}),
	Reconciliations: promauto.NewCounter(prometheus.CounterOpts{
		Name: "kasgate_reconciliation_sweeps_total",
		Help: "Full reconciliation sweeps after RPC recovery",
	}),

	WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kasgate_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome (delivered, retried, dead_lettered)",
	}, []string{"outcome"}),
	WebhookQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kasgate_webhook_queue_depth",
		Help: "Webhook log rows currently due for delivery",
	}),
	WebhookLatency: promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kasgate_webhook_delivery_seconds",
		Help:    "Webhook POST round-trip latency",
		Buckets: prometheus.DefBuckets,
	}),
}
