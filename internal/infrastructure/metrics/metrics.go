// Package metrics defines and registers all custom Prometheus metrics for the
// fleet core. It is the single source of truth for metric names, labels, and
// help strings. Metrics register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet"

// ── Telemetry metrics ─────────────────────────────────────────────────────────

// TelemetryReadingsTotal counts telemetry readings by outcome.
// Labels:
//   - source: "http" or "mqtt"
//   - result: "applied", "stale", "unknown_unit", "invalid" or "error"
var TelemetryReadingsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_readings_total",
		Help:      "Total number of telemetry readings received, by source and result.",
	},
	[]string{"source", "result"},
)

// TelemetryQueueDepth tracks the number of readings waiting in each dispatcher worker channel.
var TelemetryQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "telemetry_queue_depth",
		Help:      "Current number of readings pending in each dispatcher worker channel.",
	},
	[]string{"worker_id"},
)

// TelemetryProcessingDuration measures dequeue-to-persist time for queued readings.
var TelemetryProcessingDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "telemetry_processing_duration_seconds",
		Help:      "Duration of queued telemetry processing from dequeue to persistence.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"result"},
)

// UnitsMarkedOfflineTotal counts units moved offline by the staleness pass.
var UnitsMarkedOfflineTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "units_marked_offline_total",
		Help:      "Total number of units moved to offline for lack of telemetry.",
	},
)

// ── Payment metrics ───────────────────────────────────────────────────────────

// PaymentsInitiatedTotal counts initiation requests by provider and the status
// the attempt held when the request returned.
var PaymentsInitiatedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_initiated_total",
		Help:      "Total number of payment initiations, by provider and resulting status.",
	},
	[]string{"provider", "status"},
)

// PaymentCallbacksTotal counts provider callbacks.
// Labels:
//   - provider: "mobile-money" or "card-gateway"
//   - result: "applied", "duplicate", "unknown_reference", "ignored", "invalid_signature", "malformed" or "error"
var PaymentCallbacksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_callbacks_total",
		Help:      "Total number of provider callbacks, by provider and result.",
	},
	[]string{"provider", "result"},
)

// PaymentsExpiredTotal counts attempts expired by the sweeper.
var PaymentsExpiredTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_expired_total",
		Help:      "Total number of payment attempts expired by the sweeper.",
	},
	[]string{"provider"},
)

// GatewayRequestDuration measures outbound provider calls.
// Labels:
//   - provider: provider family
//   - operation: "token" or "initiate"
//   - result: "ok" or "error"
var GatewayRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_request_duration_seconds",
		Help:      "Duration of outbound payment provider calls.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	},
	[]string{"provider", "operation", "result"},
)

// ── Broadcast metrics ─────────────────────────────────────────────────────────

// BroadcastSubscribers tracks live subscribers on the change hub.
var BroadcastSubscribers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcast_subscribers",
		Help:      "Current number of change-stream subscribers.",
	},
)

// BroadcastPublishedTotal counts events published to the hub.
var BroadcastPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_published_total",
		Help:      "Total number of change events published, by entity kind.",
	},
	[]string{"kind"},
)

// BroadcastDroppedTotal counts events evicted from full subscriber queues.
var BroadcastDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Total number of events dropped from full subscriber queues.",
	},
)

// BroadcastResyncTotal counts resync notices delivered to lagging subscribers.
var BroadcastResyncTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_resync_total",
		Help:      "Total number of resync notices delivered to subscribers.",
	},
)

// KafkaSinkErrorsTotal counts change events the Kafka sink failed to write.
var KafkaSinkErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kafka_sink_errors_total",
		Help:      "Total number of change events the Kafka sink failed to write.",
	},
)
