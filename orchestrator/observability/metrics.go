package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of queued tasks per priority bucket.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawl_queue_depth",
		Help: "Current number of tasks in each priority bucket",
	}, []string{"bucket"})

	// DLQDepth tracks the dead-letter list length.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawl_dlq_depth",
		Help: "Current number of snapshots in the dead-letter queue",
	})

	// TaskOutcomes counts terminal task transitions.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_task_outcomes_total",
		Help: "Task outcomes by terminal state",
	}, []string{"outcome"}) // completed, failed, dead_lettered, expired, duplicate

	// TaskRetries counts retry re-enqueues.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_task_retries_total",
		Help: "Total number of task retry re-enqueues",
	})

	// TaskDuration tracks end-to-end processing time per task.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawl_task_duration_seconds",
		Help:    "Task processing time from assignment to ack",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
	})

	// DedupVerdicts counts duplicate-check outcomes by type.
	DedupVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_dedup_verdicts_total",
		Help: "Duplicate-check verdicts by duplicate type",
	}, []string{"type"})

	// DedupLayerDuration tracks per-layer latency in the dedup pipeline.
	DedupLayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawl_dedup_layer_duration_seconds",
		Help:    "Latency of each deduplication layer",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~2s
	}, []string{"layer"})

	// DedupLayerErrors counts layer faults that were treated as a pass.
	DedupLayerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_dedup_layer_errors_total",
		Help: "Deduplication layer errors swallowed as layer pass",
	}, []string{"layer"})

	// SchedulerDecisions counts worker-selection outcomes.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_scheduler_decisions_total",
		Help: "Worker selection decisions by policy and outcome",
	}, []string{"policy", "outcome"}) // assigned, no_worker

	// WorkerPoolSize tracks live fetch loops.
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawl_worker_pool_size",
		Help: "Current number of running worker loops",
	})

	// WorkerState tracks workers per lifecycle state.
	WorkerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crawl_worker_state",
		Help: "Number of workers in each lifecycle state",
	}, []string{"state"})

	// RecoveryActions counts recovery engine verdicts.
	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_recovery_actions_total",
		Help: "Recovery engine verdicts by strategy and action",
	}, []string{"strategy", "action"})

	// ErrorsByCategory counts classified task errors.
	ErrorsByCategory = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_errors_total",
		Help: "Classified task errors by category and severity",
	}, []string{"category", "severity"})

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_breaker_transitions_total",
		Help: "Circuit breaker transitions by new state",
	}, []string{"state"}) // open, half_open, closed

	// ScaleActions counts optimizer actions by type.
	ScaleActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_scale_actions_total",
		Help: "Pool optimizer actions by type",
	}, []string{"action"}) // scale_up, scale_down, rebalance, cleanup

	// PoolUtilization tracks load/capacity across the pool.
	PoolUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawl_pool_utilization",
		Help: "Ratio of in-flight tasks to pool capacity (0.0-1.0)",
	})

	// CacheLatency tracks cache operation roundtrip latency.
	CacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawl_cache_roundtrip_latency_seconds",
		Help:    "Cache operation latency (coordination spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// HeartbeatEvictions counts workers evicted by the sweep.
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_heartbeat_evictions_total",
		Help: "Workers evicted after heartbeat expiry",
	})

	// RequeuedOrphans counts tasks re-enqueued after worker eviction.
	RequeuedOrphans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawl_requeued_orphans_total",
		Help: "In-flight tasks re-enqueued after their worker was evicted",
	})

	// APIRateLimited tracks API requests rejected by the storm guard.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawl_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// WSClients tracks connected metrics-stream clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawl_ws_clients",
		Help: "Currently connected metrics stream clients",
	})
)
