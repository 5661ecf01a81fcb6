package telemetry

import "github.com/prometheus/client_golang/prometheus"

var ReconcilePassesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancectl",
		Subsystem: "reconciler",
		Name:      "passes_total",
		Help:      "Total number of reconciler passes, by resulting transition outcome.",
	},
	[]string{"outcome"},
)

var ReconcileDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instancectl",
		Subsystem: "reconciler",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a single reconciler pass.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"from_state", "to_state"},
)

var InstancesByStateTotal = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "instancectl",
		Subsystem: "instances",
		Name:      "by_state_total",
		Help:      "Current instance count by observed state.",
	},
	[]string{"state"},
)

var RuntimeErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancectl",
		Subsystem: "runtime",
		Name:      "errors_total",
		Help:      "Runtime adapter errors, by classified kind and operation.",
	},
	[]string{"kind", "operation"},
)

var ProbeResultsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancectl",
		Subsystem: "health",
		Name:      "probe_results_total",
		Help:      "Health probe outcomes.",
	},
	[]string{"result"},
)

var ProbeDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "instancectl",
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Duration of a single health probe HTTP call.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
)

var BillingEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancectl",
		Subsystem: "billing",
		Name:      "events_total",
		Help:      "Billing webhook events received, by event type.",
	},
	[]string{"event_type"},
)

var BillingEventsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "instancectl",
		Subsystem: "billing",
		Name:      "events_deduplicated_total",
		Help:      "Billing webhook events dropped as duplicates.",
	},
)

var ProvisioningDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "instancectl",
		Subsystem: "provisioning",
		Name:      "duration_seconds",
		Help:      "Wall-clock time from signup acceptance to a running, healthy instance.",
		Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "instancectl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration by route and status code.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var SlackNotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "instancectl",
		Subsystem: "slack",
		Name:      "notifications_total",
		Help:      "Total number of ops Slack pages sent, by type.",
	},
	[]string{"type"},
)

// All returns every collector that must be registered on the metrics registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ReconcilePassesTotal,
		ReconcileDuration,
		InstancesByStateTotal,
		RuntimeErrorsTotal,
		ProbeResultsTotal,
		ProbeDuration,
		BillingEventsTotal,
		BillingEventsDeduplicatedTotal,
		ProvisioningDuration,
		SlackNotificationsTotal,
		HTTPRequestDuration,
	}
}
