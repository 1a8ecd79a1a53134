package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "offchain_agent"

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Consumed messages by queue and disposition",
	}, []string{"queue", "disposition"})

	JobsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_published_total",
		Help:      "Published envelopes by queue and job type",
	}, []string{"queue", "job_type"})

	PublishRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_retries_total",
		Help:      "Transport-level publish retries",
	}, []string{"queue"})

	DeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_lettered_total",
		Help:      "Messages routed to the dead-letter path",
	}, []string{"queue"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Time spent in each media pipeline stage",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Last sampled queue depth",
	}, []string{"queue"})

	QueueOldestAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_oldest_message_age_seconds",
		Help:      "Age of the oldest undelivered or unacknowledged message",
	}, []string{"queue"})

	ScaleTarget = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "autoscale_target_workers",
		Help:      "Target worker count emitted by the autoscaler",
	}, []string{"queue"})

	SnapshotResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshot_results_total",
		Help:      "Replica snapshot outcomes",
	}, []string{"status"})

	ReconcilerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciler_writes_total",
		Help:      "Idempotent writes by store and result",
	}, []string{"store", "result"})
)
