package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbox relay metrics

	// OutboxClaimed tracks rows claimed by the relay for processing.
	OutboxClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "claimed_total",
			Help:      "Total outbox rows claimed for processing",
		},
		[]string{"destination_service"},
	)

	// OutboxPublished tracks rows the relay moved to PUBLISHED.
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Total outbox rows published successfully",
		},
		[]string{"destination_service"},
	)

	// OutboxFailed tracks rows the relay moved to FAILED.
	OutboxFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "failed_total",
			Help:      "Total outbox rows that failed publication",
		},
		[]string{"destination_service"},
	)

	// OutboxSkipped tracks candidate rows another worker claimed first.
	OutboxSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "skipped_total",
			Help:      "Total outbox candidate rows lost to claim contention",
		},
	)

	// OutboxPollDuration tracks how long one relay batch pass takes.
	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Time to poll and process one outbox batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// OutboxTransportDuration tracks Transport.Publish call duration.
	OutboxTransportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "transport_duration_seconds",
			Help:      "Time spent inside Transport.Publish",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"destination_service"},
	)

	// OutboxRecovered tracks rows reset from stuck PROCESSING back to PENDING.
	OutboxRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "recovered_total",
			Help:      "Total outbox rows recovered from stuck PROCESSING state",
		},
	)

	// OutboxPendingGauge tracks the current PENDING backlog.
	OutboxPendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Current number of PENDING outbox rows",
		},
	)

	// Inbox dispatcher metrics

	// InboxAdmitted tracks rows newly admitted by the Inbox Admitter.
	InboxAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "admitted_total",
			Help:      "Total inbox rows admitted",
		},
		[]string{"source_service", "outcome"}, // outcome: new, duplicate
	)

	// InboxProcessed tracks rows the dispatcher moved to PROCESSED.
	InboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "processed_total",
			Help:      "Total inbox rows processed successfully",
		},
		[]string{"event_type"},
	)

	// InboxFailed tracks rows the dispatcher moved to FAILED.
	InboxFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "failed_total",
			Help:      "Total inbox rows that failed handling",
		},
		[]string{"event_type"},
	)

	// InboxNoHandler tracks rows left PENDING because no handler is
	// registered for their event type yet.
	InboxNoHandler = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "no_handler_total",
			Help:      "Total inbox rows skipped for lack of a registered handler",
		},
		[]string{"event_type"},
	)

	// InboxPollDuration tracks how long one dispatcher batch pass takes.
	InboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "inbox",
			Name:      "poll_duration_seconds",
			Help:      "Time to poll and process one inbox batch",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Circuit breaker metrics (shared by any Transport that embeds one)

	// CircuitBreakerState tracks a breaker's current state.
	// 0 = closed (healthy), 1 = open (tripped), 2 = half-open (testing)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaykit",
			Subsystem: "transport",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTrips tracks breaker trip events.
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "transport",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"name"},
	)

	// Retention metrics

	// RetentionDeleted tracks rows deleted by a cleanup pass.
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Total rows deleted by retention cleanup",
		},
		[]string{"scope"}, // outbox, inbox
	)

	// HTTP API metrics (webhook ingress, health, metrics server)

	// HTTPRequestsTotal tracks HTTP requests served by this module's own
	// HTTP surfaces (webhook ingress, CLI daemons' health endpoints).
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaykit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaykit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Circuit breaker state values for CircuitBreakerState. These do not follow
// gobreaker.State's numbering (there HalfOpen=1, Open=2); callers map states
// by name.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
