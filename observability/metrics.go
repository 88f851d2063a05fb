// Package observability holds the process-wide Prometheus collectors. The
// metric names are a stable contract — do not rename without updating
// dashboards/alerts built against them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_requests_total",
		Help: "Total webhook deliveries received.",
	}, []string{"event_type"})

	WebhookInvalidSignaturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_invalid_signatures_total",
		Help: "Webhook deliveries rejected for a missing or invalid HMAC signature.",
	})

	EventsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_enqueued_total",
		Help: "Work items enqueued by the ingress normalizer.",
	})

	EventsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "events_deduped_total",
		Help: "Events that collapsed into an already-queued or in-flight work item.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of queued work items per repo.",
	}, []string{"installation", "owner", "repo"})

	QueueOldestAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_oldest_age_seconds",
		Help: "Age of the oldest queued work item per repo.",
	}, []string{"installation", "owner", "repo"})

	WorkerLockAcquiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_lock_acquired_total",
		Help: "Per-repo leases successfully acquired.",
	})

	WorkerLockFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_lock_failed_total",
		Help: "Lease acquisition attempts that found the repo busy.",
	})

	WorkerLockLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_lock_lost_total",
		Help: "Pipeline runs aborted because a heartbeat discovered the lease was lost.",
	})

	WorkerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of scheduler worker loops currently running a pipeline.",
	})

	WorkerProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "worker_processing_seconds",
		Help:    "Wall-clock time a worker spends running one pipeline to completion.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
	})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retries_total",
		Help: "Non-terminal pipeline outcomes that requeued a work item.",
	}, []string{"reason"})

	GithubAPIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "github_api_requests_total",
		Help: "Remote API calls made through the facade.",
	}, []string{"operation", "outcome"})

	GithubAPILatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "github_api_latency_seconds",
		Help:    "Remote API call latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	GithubRateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "github_rate_limit_remaining",
		Help: "Remaining quota reported by the most recent API response.",
	}, []string{"installation"})

	GithubRateLimitReset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "github_rate_limit_reset",
		Help: "Unix timestamp the current rate-limit window resets.",
	}, []string{"installation"})

	ThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "throttles_total",
		Help: "Installation-wide cooldowns opened due to quota exhaustion or a throttling response.",
	}, []string{"installation"})

	BackpressureActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backpressure_active",
		Help: "1 while an installation's cooldown window is open, 0 otherwise.",
	}, []string{"installation"})

	BranchUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "branch_updates_total",
		Help: "update_branch calls by result.",
	}, []string{"result"})

	ChecksWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checks_wait_seconds",
		Help:    "Total time a pipeline run spent polling checks before merging, timing out, or failing.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	})

	MergeAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merge_attempts_total",
		Help: "merge_pr calls issued.",
	})

	MergesSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merges_success_total",
		Help: "Successful merges by method.",
	}, []string{"method"})

	MergesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merges_failed_total",
		Help: "Failed merge_pr calls by reason.",
	}, []string{"reason"})

	MergeBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merge_blocked_total",
		Help: "PRs dropped as blocked by branch protection/required reviews.",
	}, []string{"reason"})

	StarvationRequeueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starvation_requeue_total",
		Help: "Work items appended to a repo's tail once to relieve starvation.",
	})

	DLQPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dlq_pushes_total",
		Help: "Work items pushed to the dead-letter queue by reason.",
	}, []string{"reason"})

	// RedisLatencySeconds tracks DQS round-trip latency — the single
	// cheapest signal for "is the coordination spine healthy", instrumented
	// on every store call.
	RedisLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dqs_redis_roundtrip_latency_seconds",
		Help:    "Redis round-trip latency for durable queue store operations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	})

	AuditWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Best-effort audit trail writes that failed (never blocks the pipeline).",
	})
)
