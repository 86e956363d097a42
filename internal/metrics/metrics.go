package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opspulse_events_published_total",
		Help: "Events accepted by the store, by severity.",
	}, []string{"severity"})

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opspulse_events_dropped_total",
		Help: "Events dropped because the publish retry buffer was full.",
	})

	EventsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opspulse_events_pruned_total",
		Help: "Events removed by the retention sweep.",
	})

	AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opspulse_alerts_fired_total",
		Help: "Alert events emitted by the rule engine, by rule name.",
	}, []string{"rule"})

	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opspulse_delivery_attempts_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	DeliveriesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opspulse_deliveries_replayed_total",
		Help: "Replay records created.",
	})

	AnomalyIncidents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opspulse_anomaly_incidents_total",
		Help: "Anomaly incidents detected, by severity.",
	}, []string{"severity"})

	HealActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opspulse_heal_actions_total",
		Help: "Healing decisions recorded, by strategy and result.",
	}, []string{"strategy", "result"})

	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opspulse_stream_clients",
		Help: "Connected live event stream subscribers.",
	})
)

func init() {
	prometheus.MustRegister(
		EventsPublished,
		EventsDropped,
		EventsPruned,
		AlertsFired,
		DeliveryAttempts,
		DeliveriesReplayed,
		AnomalyIncidents,
		HealActions,
		StreamClients,
	)
}
