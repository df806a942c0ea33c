package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TransactionsTotal counts finished transactions by kind and outcome
var TransactionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quantumleap_transactions_total",
		Help: "Total number of finished transactions by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// TransactionDuration records latency distribution from begin to commit/rollback
var TransactionDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "quantumleap_transaction_duration_seconds",
		Help:    "Latency in seconds from transaction begin to commit or rollback",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind"},
)

// Lock table metrics
var (
	LockWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantumleap_lock_waits_total",
			Help: "Number of times a transaction blocked waiting for a resource lock",
		},
	)

	LockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantumleap_lock_timeouts_total",
			Help: "Number of lock waits that ended in LOCK_TIMEOUT",
		},
	)

	DeadlocksDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quantumleap_deadlocks_detected_total",
			Help: "Number of wait-for cycles broken by victim selection",
		},
	)
)

// Event bus metrics
var (
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumleap_events_published_total",
			Help: "Events enqueued on the bus by priority",
		},
		[]string{"priority"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumleap_events_dropped_total",
			Help: "Events dropped because a priority queue was full",
		},
		[]string{"priority"},
	)

	EventDeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumleap_event_delivery_failures_total",
			Help: "Handler invocations that returned an error or panicked",
		},
		[]string{"kind"},
	)

	EventQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantumleap_event_queue_depth",
			Help: "Current number of events queued per priority",
		},
		[]string{"priority"},
	)
)

// Emergency stop metrics
var (
	EmergencyStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantumleap_emergency_stops_total",
			Help: "Emergency stop executions by scope and outcome",
		},
		[]string{"scope", "outcome"},
	)

	EmergencyStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quantumleap_emergency_stop_duration_seconds",
			Help:    "End-to-end emergency stop execution latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// Retry metrics
var RetryAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quantumleap_retry_attempts_total",
		Help: "Retry attempts by operation name",
	},
	[]string{"operation"},
)

func init() {
	prometheus.MustRegister(TransactionsTotal, TransactionDuration)
	prometheus.MustRegister(LockWaits, LockTimeouts, DeadlocksDetected)
	prometheus.MustRegister(EventsPublished, EventsDropped, EventDeliveryFailures, EventQueueDepth)
	prometheus.MustRegister(EmergencyStops, EmergencyStopDuration)
	prometheus.MustRegister(RetryAttempts)
}
