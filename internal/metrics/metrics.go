package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the orchestrator. All metrics carry the qlp_ prefix
// and are registered on the default registry via promauto.
var (
	// Workflow metrics
	GenerationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_generations_started_total",
			Help: "Generation workflows started",
		},
		[]string{"mode", "tenant_id"},
	)

	GenerationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_generations_completed_total",
			Help: "Generation workflows completed by terminal state",
		},
		[]string{"state", "mode"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qlp_generation_duration_seconds",
			Help:    "End to end generation workflow duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"mode"},
	)

	// Task metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_tasks_executed_total",
			Help: "Tasks finished by kind, tier and status",
		},
		[]string{"kind", "tier", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qlp_task_duration_seconds",
			Help:    "Per-task agent execution latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		},
		[]string{"kind", "tier"},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qlp_task_tokens_used",
			Help:    "Tokens consumed per task",
			Buckets: []float64{100, 500, 1000, 2500, 5000, 10000, 25000, 50000, 100000},
		},
	)

	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qlp_task_cost_usd",
			Help:    "Cost per task in USD",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Decomposition metrics
	DecompositionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qlp_decomposition_latency_seconds",
			Help:    "Plan decomposition latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	DecompositionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qlp_decomposition_errors_total",
			Help: "Plan decomposition failures",
		},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_cache_lookups_total",
			Help: "Fingerprint cache lookups by outcome (hit, miss, corrupt)",
		},
		[]string{"outcome"},
	)

	CacheStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_cache_stores_total",
			Help: "Fingerprint cache stores by class (default, embeddings, skipped)",
		},
		[]string{"class"},
	)

	SingleFlightWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qlp_cache_singleflight_waits_total",
			Help: "Tasks that waited on another in-flight identical compute",
		},
	)

	// Moderation metrics
	ModerationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_moderation_checks_total",
			Help: "Moderation checks by context and severity",
		},
		[]string{"context", "severity"},
	)

	ModerationBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_moderation_blocks_total",
			Help: "Requests or outputs blocked by moderation",
		},
		[]string{"context"},
	)

	ModerationOutages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_moderation_outages_total",
			Help: "Moderation checker outages by applied policy (fail_open, fail_closed)",
		},
		[]string{"policy"},
	)

	// Validation metrics
	ValidationScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qlp_validation_overall_score",
			Help:    "Aggregated validation score distribution",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	ValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_validation_failures_total",
			Help: "Task validation failures by mode",
		},
		[]string{"mode"},
	)

	// Quota / ledger metrics
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_quota_rejections_total",
			Help: "Requests rejected at admission by quota",
		},
		[]string{"tenant_id", "limit"},
	)

	UsageRecordsQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qlp_usage_records_queued_total",
			Help: "Usage ledger rows queued for persistence",
		},
	)

	// Rate control
	RateLimitDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qlp_rate_limit_delay_seconds",
			Help:    "Delay applied by provider rate control",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "tier"},
	)

	TierCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_tier_cooldowns_total",
			Help: "Scheduler cooldowns triggered by provider 429s",
		},
		[]string{"tier"},
	)

	// Capsule metrics
	CapsulesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_capsules_persisted_total",
			Help: "Capsules persisted by outcome (created, deduplicated, partial)",
		},
		[]string{"outcome"},
	)

	CapsuleFiles = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qlp_capsule_files",
			Help:    "Files per persisted capsule",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// Persistence queue metrics
	DBQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qlp_db_write_queue_depth",
			Help: "Pending writes in the async persistence queue",
		},
	)

	DBQueueFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qlp_db_write_queue_fallbacks_total",
			Help: "Writes executed synchronously because the queue was full",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_events_published_total",
			Help: "Progress events published by type",
		},
		[]string{"type"},
	)

	// Pricing fallbacks
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_pricing_fallbacks_total",
			Help: "Cost computations that fell back to default pricing",
		},
		[]string{"reason"},
	)

	// Plan memory metrics
	PlanHintLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_plan_hint_lookups_total",
			Help: "Vector memory lookups by outcome (hit, miss, error)",
		},
		[]string{"outcome"},
	)
)
