package activities

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/budget"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/results"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

// LookupCachedResult probes the fingerprint cache. Lookup errors degrade to
// a miss: the cache is an optimization and must never fail a run.
func (a *Activities) LookupCachedResult(ctx context.Context, input CacheLookupInput) (*CacheLookupResult, error) {
	if a.deps.Cache == nil || !a.cfg().Cache.Enabled {
		return &CacheLookupResult{}, nil
	}
	logger := activity.GetLogger(ctx)

	entry, ok, err := a.deps.Cache.Lookup(ctx, input.Fingerprint)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn("Cache lookup failed, treating as miss",
			"fingerprint", input.Fingerprint, "error", err)
		return &CacheLookupResult{}, nil
	}
	if !ok {
		return &CacheLookupResult{}, nil
	}
	return &CacheLookupResult{
		Hit:         true,
		Entry:       entry,
		CrossTenant: entry.ProducerTenant != "" && entry.ProducerTenant != input.TenantID,
	}, nil
}

// StoreCachedResult writes a computed result into the cache. Failures are
// logged and swallowed.
func (a *Activities) StoreCachedResult(ctx context.Context, input CacheStoreInput) error {
	cfg := a.cfg()
	if a.deps.Cache == nil || !cfg.Cache.Enabled {
		return nil
	}
	ttl := time.Duration(input.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = cfg.Cache.DefaultTTL
	}
	if err := a.deps.Cache.Store(ctx, input.Fingerprint, &input.Entry, ttl); err != nil {
		activity.GetLogger(ctx).Warn("Cache store failed",
			"fingerprint", input.Fingerprint, "error", err)
	}
	return nil
}

// AcquireComputeLease claims single-flight ownership of a fingerprint. On
// lease-store errors the caller computes anyway: duplicate work beats a
// stalled run.
func (a *Activities) AcquireComputeLease(ctx context.Context, input LeaseInput) (*LeaseResult, error) {
	cfg := a.cfg()
	if a.deps.Cache == nil || !cfg.Cache.Enabled {
		return &LeaseResult{Acquired: true}, nil
	}
	logger := activity.GetLogger(ctx)

	ok, err := a.deps.Cache.AcquireLease(ctx, input.Fingerprint, input.Owner, cfg.Cache.LeaseTTL)
	if err != nil {
		logger.Warn("Lease acquire failed, computing without one",
			"fingerprint", input.Fingerprint, "error", err)
		return &LeaseResult{Acquired: true}, nil
	}
	if ok {
		return &LeaseResult{Acquired: true}, nil
	}
	holder, err := a.deps.Cache.LeaseHolder(ctx, input.Fingerprint)
	if err != nil {
		holder = ""
	}
	logger.Info("Fingerprint already being computed",
		"fingerprint", input.Fingerprint, "holder", holder)
	return &LeaseResult{Acquired: false, Holder: holder}, nil
}

// ReleaseComputeLease drops a held lease. Expiry covers the failure paths,
// so errors only get logged.
func (a *Activities) ReleaseComputeLease(ctx context.Context, input LeaseInput) error {
	if a.deps.Cache == nil {
		return nil
	}
	if err := a.deps.Cache.ReleaseLease(ctx, input.Fingerprint, input.Owner); err != nil {
		activity.GetLogger(ctx).Warn("Lease release failed",
			"fingerprint", input.Fingerprint, "error", err)
	}
	return nil
}

// RehydrateCachedResult copies the producer's stored bytes under this
// workflow's keys so assembly reads them locally. A producer whose blobs
// expired downgrades the hit to a miss and evicts the stale entry.
func (a *Activities) RehydrateCachedResult(ctx context.Context, input RehydrateInput) (*RehydrateResult, error) {
	logger := activity.GetLogger(ctx)

	// Summary-only entries carry no bytes to copy.
	if len(input.Entry.Files) > 0 {
		if a.deps.Results == nil || input.Entry.ProducerWorkflow == "" {
			return &RehydrateResult{}, nil
		}

		err := a.deps.Results.Copy(ctx,
			input.Entry.ProducerWorkflow, input.Entry.ProducerTask,
			input.WorkflowID, input.TaskID)
		if errors.Is(err, results.ErrNotFound) {
			metrics.CacheLookups.WithLabelValues("stale").Inc()
			logger.Info("Cached producer outputs expired, evicting entry",
				"fingerprint", input.Fingerprint,
				"producer_workflow", input.Entry.ProducerWorkflow)
			if a.deps.Cache != nil {
				if delErr := a.deps.Cache.Delete(ctx, input.Fingerprint); delErr != nil {
					logger.Warn("Stale cache entry eviction failed",
						"fingerprint", input.Fingerprint, "error", delErr)
				}
			}
			return &RehydrateResult{}, nil
		}
		if err != nil {
			return nil, appError(taskgraph.NewTypedError(taskgraph.ErrTransientNetwork,
				"rehydrate cached outputs: "+err.Error(), nil))
		}
	}

	// Hits bill as zero-token usage rows so per-tenant accounting still sees
	// one row per task.
	if a.deps.Ledger != nil {
		tier := input.Tier
		if tier == "" {
			tier = string(input.Entry.Metadata.TierUsed)
		}
		if err := a.deps.Ledger.RecordUsage(ctx, budget.Usage{
			WorkflowID: input.WorkflowID,
			TaskID:     input.TaskID,
			TenantID:   input.TenantID,
			UserID:     input.UserID,
			Provider:   input.Entry.Metadata.Provider,
			Model:      input.Entry.Metadata.Model,
			Tier:       tier,
			CacheHit:   true,
		}); err != nil {
			logger.Warn("Cache hit usage record failed",
				"task_id", input.TaskID, "error", err)
		}
	}
	return &RehydrateResult{Rehydrated: true}, nil
}
