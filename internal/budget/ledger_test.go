package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/db"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

type fakeStore struct {
	mu       sync.Mutex
	usage    *db.TenantUsage
	usageErr error
	queued   []*db.UsageRecord
}

func (f *fakeStore) TenantUsageSince(_ context.Context, _ string, _ time.Time) (*db.TenantUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	return f.usage, nil
}

func (f *fakeStore) QueueWrite(writeType db.WriteType, data interface{}, callback func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if writeType == db.WriteTypeUsage {
		f.queued = append(f.queued, data.(*db.UsageRecord))
	}
	if callback != nil {
		callback(nil)
	}
	return nil
}

func (f *fakeStore) queuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

// testLedger pins the ledger clock to a mutable instant so tests can roll
// windows and expire dedup entries deterministically.
func testLedger(store Store, cfg Config) (*Ledger, *time.Time) {
	led := NewLedger(store, cfg, zap.NewNop())
	current := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	led.now = func() time.Time { return current }
	return led, &current
}

func TestCheckQuotaAllowsUnderLimit(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 100, TotalCost: 0.5, Requests: 4}}
	led, _ := testLedger(store, Config{Defaults: Limits{MonthlyTokens: 1000, SoftRatio: 0.8}})

	result, err := led.CheckQuota(context.Background(), "acme", 50)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Warning)
	assert.Equal(t, 100, result.TokensUsed)
	assert.Equal(t, 1000, result.TokensLimit)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), result.ResetAt)
}

func TestCheckQuotaSoftWarning(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 850}}
	led, _ := testLedger(store, Config{Defaults: Limits{MonthlyTokens: 1000, SoftRatio: 0.8}})

	result, err := led.CheckQuota(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Contains(t, result.Warning, "850 of 1000")
}

func TestCheckQuotaRejectsOverTokenLimit(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 990}}
	led, _ := testLedger(store, Config{Defaults: Limits{MonthlyTokens: 1000}})

	result, err := led.CheckQuota(context.Background(), "acme", 20)
	require.Error(t, err)
	assert.Equal(t, taskgraph.ErrQuotaExceeded, taskgraph.KindOf(err))
	require.NotNil(t, result)
	assert.False(t, result.Allowed)

	typed := taskgraph.AsTyped(err)
	require.NotNil(t, typed)
	assert.Equal(t, 990, typed.Details["usage"])
	assert.Equal(t, 1000, typed.Details["limit"])
	assert.Equal(t, "2025-04-01T00:00:00Z", typed.Details["reset_at"])
}

func TestCheckQuotaRejectsOverCostLimit(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 10, TotalCost: 50}}
	led, _ := testLedger(store, Config{Defaults: Limits{MonthlyCostUSD: 50}})

	_, err := led.CheckQuota(context.Background(), "acme", 5)
	require.Error(t, err)
	assert.Equal(t, taskgraph.ErrQuotaExceeded, taskgraph.KindOf(err))
	assert.Contains(t, err.Error(), "$50.00 of $50.00")
}

func TestCheckQuotaZeroLimitsMeanUnlimited(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 50_000_000, TotalCost: 9999}}
	led, _ := testLedger(store, Config{})

	result, err := led.CheckQuota(context.Background(), "acme", 1_000_000)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Warning)
}

func TestCheckQuotaTenantOverride(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 500}}
	led, _ := testLedger(store, Config{
		Defaults: Limits{MonthlyTokens: 1000},
		Tenants:  map[string]Limits{"bigco": {MonthlyTokens: 10_000}},
	})

	_, err := led.CheckQuota(context.Background(), "acme", 600)
	assert.Equal(t, taskgraph.ErrQuotaExceeded, taskgraph.KindOf(err))

	result, err := led.CheckQuota(context.Background(), "bigco", 600)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 10_000, result.TokensLimit)
}

func TestCheckQuotaRateGate(t *testing.T) {
	store := &fakeStore{}
	led, _ := testLedger(store, Config{Defaults: Limits{RequestsPerMinute: 60, Burst: 1}})

	_, err := led.CheckQuota(context.Background(), "acme", 10)
	require.NoError(t, err)

	_, err = led.CheckQuota(context.Background(), "acme", 10)
	require.Error(t, err)
	assert.Equal(t, taskgraph.ErrRateLimited, taskgraph.KindOf(err))

	// Another tenant has its own limiter.
	_, err = led.CheckQuota(context.Background(), "other", 10)
	assert.NoError(t, err)
}

func TestCheckQuotaRequiresTenant(t *testing.T) {
	led, _ := testLedger(&fakeStore{}, Config{})
	_, err := led.CheckQuota(context.Background(), "", 10)
	assert.Equal(t, taskgraph.ErrInvalidInput, taskgraph.KindOf(err))
}

func TestWindowRollsAtMonthBoundary(t *testing.T) {
	store := &fakeStore{}
	led, now := testLedger(store, Config{Defaults: Limits{MonthlyTokens: 1000}})
	*now = time.Date(2025, time.March, 31, 23, 59, 0, 0, time.UTC)

	require.NoError(t, led.RecordUsage(context.Background(), Usage{
		WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme",
		TokensIn: 400, TokensOut: 100, CostUSD: 0.5,
	}))
	tokens, cost, requests := led.Snapshot("acme")
	assert.Equal(t, 500, tokens)
	assert.Equal(t, 0.5, cost)
	assert.Equal(t, 1, requests)

	*now = time.Date(2025, time.April, 1, 0, 1, 0, 0, time.UTC)
	result, err := led.CheckQuota(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TokensUsed)
	assert.Equal(t, time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), result.ResetAt)
}

func TestRecordUsageIdempotent(t *testing.T) {
	store := &fakeStore{}
	led, _ := testLedger(store, Config{})

	u := Usage{WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme", TokensIn: 100, CostUSD: 0.1}
	require.NoError(t, led.RecordUsage(context.Background(), u))
	require.NoError(t, led.RecordUsage(context.Background(), u))

	assert.Equal(t, 1, store.queuedCount())
	tokens, _, _ := led.Snapshot("acme")
	assert.Equal(t, 100, tokens)

	// A retried execution carries a new attempt number and is charged.
	u.Attempt = 1
	require.NoError(t, led.RecordUsage(context.Background(), u))
	assert.Equal(t, 2, store.queuedCount())
	tokens, _, _ = led.Snapshot("acme")
	assert.Equal(t, 200, tokens)
}

func TestRecordUsageDedupExpires(t *testing.T) {
	store := &fakeStore{}
	led, now := testLedger(store, Config{DedupTTL: time.Hour})

	u := Usage{WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme", TokensIn: 10, CostUSD: 0.01}
	require.NoError(t, led.RecordUsage(context.Background(), u))

	*now = now.Add(2 * time.Hour)
	require.NoError(t, led.RecordUsage(context.Background(), u))
	assert.Equal(t, 2, store.queuedCount())
}

func TestRecordUsageCacheHitIsFree(t *testing.T) {
	store := &fakeStore{}
	led, _ := testLedger(store, Config{})

	require.NoError(t, led.RecordUsage(context.Background(), Usage{
		WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme",
		TokensIn: 900, TokensOut: 300, CostUSD: 1.25, CacheHit: true,
	}))

	require.Equal(t, 1, store.queuedCount())
	rec := store.queued[0]
	assert.Zero(t, rec.TokensIn)
	assert.Zero(t, rec.TokensOut)
	assert.Zero(t, rec.CostUSD)
	assert.True(t, rec.CacheHit)

	tokens, cost, requests := led.Snapshot("acme")
	assert.Zero(t, tokens)
	assert.Zero(t, cost)
	assert.Equal(t, 1, requests)
}

func TestRecordUsageComputesCostFromPricing(t *testing.T) {
	store := &fakeStore{}
	led, _ := testLedger(store, Config{})

	require.NoError(t, led.RecordUsage(context.Background(), Usage{
		WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme",
		Model: "model-not-in-catalog", TokensIn: 1000, TokensOut: 500,
	}))

	require.Equal(t, 1, store.queuedCount())
	assert.Greater(t, store.queued[0].CostUSD, 0.0)
	_, cost, _ := led.Snapshot("acme")
	assert.Greater(t, cost, 0.0)
}

func TestRecordUsageRejectsBadInput(t *testing.T) {
	led, _ := testLedger(&fakeStore{}, Config{})

	err := led.RecordUsage(context.Background(), Usage{TaskID: "t1"})
	assert.Equal(t, taskgraph.ErrInvalidInput, taskgraph.KindOf(err))

	err = led.RecordUsage(context.Background(), Usage{
		WorkflowID: "wf-1", TenantID: "acme", TokensIn: -5,
	})
	assert.Equal(t, taskgraph.ErrInvalidInput, taskgraph.KindOf(err))
}

func TestCountersSurviveRefreshFailure(t *testing.T) {
	store := &fakeStore{usageErr: assert.AnError}
	led, _ := testLedger(store, Config{Defaults: Limits{MonthlyTokens: 1000}})

	require.NoError(t, led.RecordUsage(context.Background(), Usage{
		WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme", TokensIn: 100, CostUSD: 0.1,
	}))

	// The refresh fails but admission still works off in-memory counters.
	result, err := led.CheckQuota(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, 100, result.TokensUsed)
}

func TestRefreshTakesLargerOfStoredAndMemory(t *testing.T) {
	store := &fakeStore{usage: &db.TenantUsage{TotalTokens: 50}}
	led, now := testLedger(store, Config{
		Defaults:        Limits{MonthlyTokens: 1000},
		RefreshInterval: time.Minute,
	})

	require.NoError(t, led.RecordUsage(context.Background(), Usage{
		WorkflowID: "wf-1", TaskID: "t1", TenantID: "acme", TokensIn: 200, CostUSD: 0.2,
	}))

	// 50 seeded from the store plus 200 recorded in memory. The stored
	// aggregate still says 50, so the in-memory number wins the refresh.
	*now = now.Add(2 * time.Minute)
	result, err := led.CheckQuota(context.Background(), "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, 250, result.TokensUsed)

	// Once the stored aggregate moves ahead it becomes the floor.
	store.mu.Lock()
	store.usage = &db.TenantUsage{TotalTokens: 700}
	store.mu.Unlock()
	*now = now.Add(2 * time.Minute)
	result, err = led.CheckQuota(context.Background(), "acme", 1)
	require.NoError(t, err)
	assert.Equal(t, 700, result.TokensUsed)
}
