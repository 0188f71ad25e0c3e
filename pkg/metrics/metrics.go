// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fern"

var (
	// CacheLookups tracks cache reads by tier and result
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of status cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	// CacheBackendErrors tracks shared tier failures absorbed by the cache
	CacheBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "backend_errors_total",
			Help:      "Total number of shared cache tier failures by operation",
		},
		[]string{"operation"},
	)

	// BreakerTransitions tracks circuit breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	// ProbesTotal tracks health probes by outcome
	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "executions_total",
			Help:      "Total number of health probes by integration and outcome",
		},
		[]string{"integration", "outcome"},
	)

	// ProbeDuration tracks probe latency in seconds
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Duration of health probes in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"integration"},
	)

	// StatusChecks tracks orchestrator checks by resulting health
	StatusChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "availability",
			Name:      "checks_total",
			Help:      "Total number of integration checks by resulting health",
		},
		[]string{"integration", "health"},
	)

	// QueueJobsEnqueued tracks enqueue attempts by result
	QueueJobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of health check enqueue attempts by priority and result",
		},
		[]string{"priority", "result"},
	)

	// QueueJobsProcessed tracks jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of jobs currently being processed",
		},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"tenant_id", "reason"},
	)

	// SchedulerRefreshesScheduled tracks background refreshes enqueued by the scheduler
	SchedulerRefreshesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "refreshes_scheduled_total",
			Help:      "Total number of stale statuses scheduled for refresh",
		},
	)

	// RateLimitHits tracks probes skipped because of the probe budget
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Total number of probes skipped by the probe budget",
		},
		[]string{"integration", "reason"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordCacheLookup records a cache read on one tier
func RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordCacheBackendError records an absorbed shared tier failure
func RecordCacheBackendError(operation string) {
	CacheBackendErrors.WithLabelValues(operation).Inc()
}

// RecordBreakerTransition records a circuit breaker state change
func RecordBreakerTransition(name, to string) {
	BreakerTransitions.WithLabelValues(name, to).Inc()
}

// RecordProbe records a probe outcome and its duration
func RecordProbe(integration, outcome string, durationSeconds float64) {
	ProbesTotal.WithLabelValues(integration, outcome).Inc()
	ProbeDuration.WithLabelValues(integration).Observe(durationSeconds)
}

// RecordStatusCheck records the health an orchestrator check resolved to
func RecordStatusCheck(integration, health string) {
	StatusChecks.WithLabelValues(integration, health).Inc()
}

// RecordEnqueue records an enqueue attempt
func RecordEnqueue(priority, result string) {
	QueueJobsEnqueued.WithLabelValues(priority, result).Inc()
}

// RecordQueueJob records a queue job processing metric
func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

// RecordDLQJob records a dead letter queue job
func RecordDLQJob(tenantID, reason string) {
	DLQJobsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordRateLimitHit records a probe skipped by the probe budget
func RecordRateLimitHit(integration, reason string) {
	RateLimitHits.WithLabelValues(integration, reason).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}

// RecordDatabaseQuery records the duration of a repository operation
func RecordDatabaseQuery(operation string, durationSeconds float64) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
