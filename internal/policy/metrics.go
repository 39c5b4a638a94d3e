package policy

import (
	"crypto/sha1"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_policy_evaluations_total",
			Help: "Total number of admission policy evaluations",
		},
		[]string{"decision", "mode", "reason"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qlp_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_policy_errors_total",
			Help: "Total number of admission policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyDryRunDivergence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_policy_dry_run_divergence_total",
			Help: "Cases where a dry-run verdict differs from the admit default",
		},
		[]string{"divergence_type"}, // "would_deny"
	)

	policyLoadTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qlp_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
		[]string{"policy_path"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qlp_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	policyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_policy_cache_hits_total",
			Help: "Total number of admission decision cache hits",
		},
		[]string{"mode"},
	)

	policyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_policy_cache_misses_total",
			Help: "Total number of admission decision cache misses",
		},
		[]string{"mode"},
	)

	policyCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qlp_policy_cache_entries",
			Help: "Current number of entries in the admission decision cache",
		},
		[]string{"cache_type"},
	)

	// Deny reasons are hashed to bound label cardinality.
	policyDenyReasons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlp_policy_deny_reasons_total",
			Help: "Count of admission denials by reason",
		},
		[]string{"reason_hash", "mode", "truncated_reason"},
	)

	policyVersionInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qlp_policy_version_info",
			Help: "Loaded policy version (value always 1, labels carry version data)",
		},
		[]string{"policy_path", "version_hash"},
	)
)

// RecordEvaluation records an admission evaluation result
func RecordEvaluation(decision string, mode string, reason string) {
	policyEvaluations.WithLabelValues(decision, mode, reason).Inc()
}

// RecordEvaluationDuration records the time spent evaluating a policy
func RecordEvaluationDuration(mode string, duration float64) {
	policyEvaluationDuration.WithLabelValues(mode).Observe(duration)
}

// RecordError records a policy evaluation error
func RecordError(errorType string, mode string) {
	policyErrors.WithLabelValues(errorType, mode).Inc()
}

// RecordDryRunDivergence records when dry-run differs from default behavior
func RecordDryRunDivergence(divergenceType string) {
	policyDryRunDivergence.WithLabelValues(divergenceType).Inc()
}

// RecordPolicyLoad records successful policy loading
func RecordPolicyLoad(policyPath string, count int, timestamp float64) {
	policyLoadTime.WithLabelValues(policyPath).Set(timestamp)
	policyCount.WithLabelValues(policyPath).Set(float64(count))
}

// RecordCacheHit records a decision cache hit
func RecordCacheHit(mode string) {
	policyCacheHits.WithLabelValues(mode).Inc()
}

// RecordCacheMiss records a decision cache miss
func RecordCacheMiss(mode string) {
	policyCacheMisses.WithLabelValues(mode).Inc()
}

// RecordCacheSize records current decision cache size
func RecordCacheSize(cacheType string, size int) {
	policyCacheSize.WithLabelValues(cacheType).Set(float64(size))
}

// RecordDenyReason records a denial reason
func RecordDenyReason(reason, mode string) {
	reasonHash := hashString(reason)
	truncatedReason := truncateString(reason, 50)
	policyDenyReasons.WithLabelValues(reasonHash, mode, truncatedReason).Inc()
}

// RecordPolicyVersion records the loaded policy version
func RecordPolicyVersion(policyPath, versionHash string) {
	policyVersionInfo.WithLabelValues(policyPath, versionHash).Set(1)
}

// hashString creates a consistent short hash for high-cardinality strings
func hashString(s string) string {
	h := sha1.Sum([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

// truncateString truncates a string to a maximum length
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
