package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/pricing"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

const maxInt = int(^uint(0) >> 1)

// Store is the persistence surface the ledger needs. *db.Client satisfies it.
type Store interface {
	TenantUsageSince(ctx context.Context, tenantID string, since time.Time) (*db.TenantUsage, error)
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error)) error
}

// Limits is the per-tenant quota envelope. Zero values mean unlimited.
type Limits struct {
	MonthlyTokens  int
	MonthlyCostUSD float64
	// SoftRatio is the fraction of a hard cap at which admission starts
	// carrying a warning. Zero falls back to the config default.
	SoftRatio         float64
	RequestsPerMinute int
	Burst             int
}

// Config controls ledger behavior. Tenants overrides Defaults per tenant ID.
type Config struct {
	Defaults Limits
	Tenants  map[string]Limits

	// RefreshInterval bounds how stale the in-memory counters may get
	// before they are reconciled against the usage table.
	RefreshInterval time.Duration

	// DedupTTL is how long a (workflow, task, attempt) key is remembered.
	// It must exceed the longest plausible activity retry horizon.
	DedupTTL time.Duration
}

// DefaultConfig returns the limits applied when no configuration is loaded.
func DefaultConfig() Config {
	return Config{
		Defaults: Limits{
			MonthlyTokens:     2_000_000,
			MonthlyCostUSD:    200,
			SoftRatio:         0.8,
			RequestsPerMinute: 60,
			Burst:             10,
		},
		RefreshInterval: 30 * time.Second,
		DedupTTL:        time.Hour,
	}
}

// Usage is one completed LLM call (or cache hit) to account for.
type Usage struct {
	WorkflowID string
	TaskID     string
	TenantID   string
	UserID     string
	Provider   string
	Model      string
	Tier       string
	TokensIn   int
	TokensOut  int
	LatencyMS  int64
	CacheHit   bool
	Attempt    int
	// CostUSD, when zero, is computed from the pricing table.
	CostUSD float64
}

// CheckResult reports an admission decision. Warning is set when usage has
// crossed the soft threshold but the request is still admitted.
type CheckResult struct {
	Allowed     bool      `json:"allowed"`
	Warning     string    `json:"warning,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	TokensLimit int       `json:"tokens_limit"`
	CostUSD     float64   `json:"cost_usd"`
	ResetAt     time.Time `json:"reset_at"`
}

type tenantCounters struct {
	windowStart time.Time
	tokens      int
	costUSD     float64
	requests    int
	lastRefresh time.Time
}

// Ledger tracks per-tenant token and cost consumption over calendar-month
// windows and gates admission against configured caps. Counters are advisory
// between refreshes: the usage table is the source of truth and the write
// queue lags it by at most a flush interval, so the in-memory view takes the
// larger of the two on reconcile.
//
// Lock ordering (acquire in this order, release in reverse):
//  1. mu          - tenant counter map
//  2. limiterMu   - admission limiter map
//  3. processedMu - usage dedup map
//
// No method holds more than one of these at a time.
type Ledger struct {
	store  Store
	logger *zap.Logger
	cfg    Config

	mu       sync.RWMutex
	counters map[string]*tenantCounters

	limiterMu sync.RWMutex
	limiters  map[string]*rate.Limiter

	processedMu sync.Mutex
	processed   map[string]time.Time
	lastSweep   time.Time

	now func() time.Time
}

// NewLedger builds a ledger over the given store. A nil logger is replaced
// with a no-op one.
func NewLedger(store Store, cfg Config, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = def.DedupTTL
	}
	if cfg.Defaults.SoftRatio <= 0 || cfg.Defaults.SoftRatio > 1 {
		cfg.Defaults.SoftRatio = def.Defaults.SoftRatio
	}
	return &Ledger{
		store:     store,
		logger:    logger,
		cfg:       cfg,
		counters:  make(map[string]*tenantCounters),
		limiters:  make(map[string]*rate.Limiter),
		processed: make(map[string]time.Time),
		now:       time.Now,
	}
}

// LimitsFor resolves the effective limits for a tenant.
func (l *Ledger) LimitsFor(tenantID string) Limits {
	limits := l.cfg.Defaults
	if override, ok := l.cfg.Tenants[tenantID]; ok {
		if override.MonthlyTokens != 0 {
			limits.MonthlyTokens = override.MonthlyTokens
		}
		if override.MonthlyCostUSD != 0 {
			limits.MonthlyCostUSD = override.MonthlyCostUSD
		}
		if override.SoftRatio > 0 && override.SoftRatio <= 1 {
			limits.SoftRatio = override.SoftRatio
		}
		if override.RequestsPerMinute != 0 {
			limits.RequestsPerMinute = override.RequestsPerMinute
		}
		if override.Burst != 0 {
			limits.Burst = override.Burst
		}
	}
	return limits
}

// CheckQuota admits or rejects a request estimated to consume
// estimatedTokens. Rejections are typed: RATE_LIMITED when the per-tenant
// admission rate is exhausted, QUOTA_EXCEEDED when a monthly cap is hit.
// Both carry the current usage, the limit and the window reset time.
func (l *Ledger) CheckQuota(ctx context.Context, tenantID string, estimatedTokens int) (*CheckResult, error) {
	if tenantID == "" {
		return nil, taskgraph.NewTypedError(taskgraph.ErrInvalidInput, "tenant id is required", nil)
	}
	limits := l.LimitsFor(tenantID)

	if !l.admit(tenantID, limits) {
		metrics.QuotaRejections.WithLabelValues(tenantID, "request_rate").Inc()
		return nil, taskgraph.NewTypedError(taskgraph.ErrRateLimited,
			"tenant request rate exceeded",
			map[string]interface{}{
				"tenant_id":           tenantID,
				"requests_per_minute": limits.RequestsPerMinute,
			})
	}

	now := l.now()
	counters := l.countersFor(ctx, tenantID, now)

	l.mu.RLock()
	tokens := counters.tokens
	cost := counters.costUSD
	window := counters.windowStart
	l.mu.RUnlock()

	resetAt := window.AddDate(0, 1, 0)
	result := &CheckResult{
		Allowed:     true,
		TokensUsed:  tokens,
		TokensLimit: limits.MonthlyTokens,
		CostUSD:     cost,
		ResetAt:     resetAt,
	}

	if limits.MonthlyTokens > 0 && tokens+estimatedTokens > limits.MonthlyTokens {
		metrics.QuotaRejections.WithLabelValues(tenantID, "monthly_tokens").Inc()
		result.Allowed = false
		return result, taskgraph.NewTypedError(taskgraph.ErrQuotaExceeded,
			fmt.Sprintf("monthly token quota exceeded: %d of %d used", tokens, limits.MonthlyTokens),
			map[string]interface{}{
				"tenant_id": tenantID,
				"usage":     tokens,
				"limit":     limits.MonthlyTokens,
				"reset_at":  resetAt.Format(time.RFC3339),
			})
	}
	if limits.MonthlyCostUSD > 0 && cost >= limits.MonthlyCostUSD {
		metrics.QuotaRejections.WithLabelValues(tenantID, "monthly_cost").Inc()
		result.Allowed = false
		return result, taskgraph.NewTypedError(taskgraph.ErrQuotaExceeded,
			fmt.Sprintf("monthly cost quota exceeded: $%.2f of $%.2f used", cost, limits.MonthlyCostUSD),
			map[string]interface{}{
				"tenant_id": tenantID,
				"usage":     cost,
				"limit":     limits.MonthlyCostUSD,
				"reset_at":  resetAt.Format(time.RFC3339),
			})
	}

	if limits.MonthlyTokens > 0 && float64(tokens+estimatedTokens) >= limits.SoftRatio*float64(limits.MonthlyTokens) {
		result.Warning = fmt.Sprintf("tenant has used %d of %d monthly tokens", tokens, limits.MonthlyTokens)
	} else if limits.MonthlyCostUSD > 0 && cost >= limits.SoftRatio*limits.MonthlyCostUSD {
		result.Warning = fmt.Sprintf("tenant has used $%.2f of $%.2f monthly budget", cost, limits.MonthlyCostUSD)
	}
	if result.Warning != "" {
		l.logger.Warn("Tenant approaching quota",
			zap.String("tenant_id", tenantID),
			zap.Int("tokens_used", tokens),
			zap.Float64("cost_usd", cost))
	}
	return result, nil
}

// RecordUsage accounts one LLM call and appends it to the usage table via
// the async write queue. It never blocks on the database and never surfaces
// a storage failure to the caller; replays of the same (workflow, task,
// attempt) are dropped here and again by the table's unique index.
func (l *Ledger) RecordUsage(ctx context.Context, u Usage) error {
	if u.TenantID == "" || u.WorkflowID == "" {
		return taskgraph.NewTypedError(taskgraph.ErrInvalidInput, "usage requires tenant and workflow ids", nil)
	}
	if u.TokensIn < 0 || u.TokensOut < 0 {
		return taskgraph.NewTypedError(taskgraph.ErrInvalidInput, "token counts must be non-negative", nil)
	}
	if u.TokensIn > maxInt-u.TokensOut {
		return taskgraph.NewTypedError(taskgraph.ErrInvalidInput, "token count overflow", nil)
	}

	if u.CacheHit {
		// Cache reuse is free regardless of what the original producer spent.
		u.TokensIn, u.TokensOut, u.CostUSD = 0, 0, 0
	} else if u.CostUSD == 0 {
		u.CostUSD = pricing.CostForSplit(u.Model, u.TokensIn, u.TokensOut)
	}

	key := u.WorkflowID + "|" + u.TaskID + "|" + fmt.Sprint(u.Attempt)
	if !l.markProcessed(key) {
		l.logger.Debug("Duplicate usage record skipped",
			zap.String("workflow_id", u.WorkflowID),
			zap.String("task_id", u.TaskID),
			zap.Int("attempt", u.Attempt))
		return nil
	}

	now := l.now()
	counters := l.countersFor(ctx, u.TenantID, now)
	total := u.TokensIn + u.TokensOut
	l.mu.Lock()
	if counters.tokens > maxInt-total {
		l.mu.Unlock()
		return taskgraph.NewTypedError(taskgraph.ErrInvalidInput, "tenant token counter overflow", nil)
	}
	counters.tokens += total
	counters.costUSD += u.CostUSD
	counters.requests++
	l.mu.Unlock()

	record := &db.UsageRecord{
		ID:         uuid.New(),
		WorkflowID: u.WorkflowID,
		TaskID:     u.TaskID,
		TenantID:   u.TenantID,
		UserID:     u.UserID,
		Provider:   u.Provider,
		Model:      u.Model,
		Tier:       u.Tier,
		TokensIn:   u.TokensIn,
		TokensOut:  u.TokensOut,
		CostUSD:    u.CostUSD,
		LatencyMS:  u.LatencyMS,
		CacheHit:   u.CacheHit,
		Attempt:    u.Attempt,
		CreatedAt:  now,
	}
	if err := l.store.QueueWrite(db.WriteTypeUsage, record, nil); err != nil {
		// The queue falls back to a synchronous write before erroring, so
		// this is already past every recovery path. Log and move on.
		l.logger.Error("Usage record dropped", zap.Error(err),
			zap.String("workflow_id", u.WorkflowID),
			zap.String("task_id", u.TaskID))
		return nil
	}
	metrics.UsageRecordsQueued.Inc()
	return nil
}

// Snapshot returns the current window's counters for a tenant without
// touching the database.
func (l *Ledger) Snapshot(tenantID string) (tokens int, costUSD float64, requests int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.counters[tenantID]; ok {
		return c.tokens, c.costUSD, c.requests
	}
	return 0, 0, 0
}

// admit consumes one token from the tenant's admission limiter.
func (l *Ledger) admit(tenantID string, limits Limits) bool {
	if limits.RequestsPerMinute <= 0 {
		return true
	}
	l.limiterMu.RLock()
	limiter, ok := l.limiters[tenantID]
	l.limiterMu.RUnlock()
	if !ok {
		l.limiterMu.Lock()
		limiter, ok = l.limiters[tenantID]
		if !ok {
			burst := limits.Burst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(float64(limits.RequestsPerMinute)/60.0), burst)
			l.limiters[tenantID] = limiter
		}
		l.limiterMu.Unlock()
	}
	return limiter.Allow()
}

// countersFor returns the tenant's counters for the month containing now,
// rolling the window and reconciling against the usage table as needed.
func (l *Ledger) countersFor(ctx context.Context, tenantID string, now time.Time) *tenantCounters {
	window := monthStart(now)

	l.mu.RLock()
	c, ok := l.counters[tenantID]
	fresh := ok && c.windowStart.Equal(window) && now.Sub(c.lastRefresh) < l.cfg.RefreshInterval
	l.mu.RUnlock()
	if fresh {
		return c
	}

	// Read outside the lock; the view may lag the write queue, so keep the
	// larger of the stored and in-memory numbers within one window.
	var dbTokens, dbRequests int
	var dbCost float64
	usage, err := l.store.TenantUsageSince(ctx, tenantID, window)
	if err != nil {
		l.logger.Warn("Tenant usage refresh failed, serving in-memory counters",
			zap.String("tenant_id", tenantID), zap.Error(err))
	} else if usage != nil {
		dbTokens, dbCost, dbRequests = usage.TotalTokens, usage.TotalCost, usage.Requests
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok = l.counters[tenantID]
	if !ok || !c.windowStart.Equal(window) {
		c = &tenantCounters{windowStart: window}
		l.counters[tenantID] = c
	}
	if err == nil {
		if dbTokens > c.tokens {
			c.tokens = dbTokens
		}
		if dbCost > c.costUSD {
			c.costUSD = dbCost
		}
		if dbRequests > c.requests {
			c.requests = dbRequests
		}
		c.lastRefresh = now
	}
	return c
}

// markProcessed records a dedup key, returning false when it was already
// present. Expired keys are swept opportunistically.
func (l *Ledger) markProcessed(key string) bool {
	now := l.now()
	l.processedMu.Lock()
	defer l.processedMu.Unlock()

	if l.lastSweep.IsZero() {
		l.lastSweep = now
	}
	if now.Sub(l.lastSweep) >= l.cfg.DedupTTL/2 {
		cutoff := now.Add(-l.cfg.DedupTTL)
		for k, seen := range l.processed {
			if seen.Before(cutoff) {
				delete(l.processed, k)
			}
		}
		l.lastSweep = now
	}

	if seen, ok := l.processed[key]; ok && now.Sub(seen) < l.cfg.DedupTTL {
		return false
	}
	l.processed[key] = now
	return true
}

// monthStart truncates t to the first instant of its UTC calendar month.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
