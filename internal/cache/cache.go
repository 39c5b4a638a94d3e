package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/taskgraph"
)

const (
	entryPrefix = "qlp:cache:"
	leasePrefix = "qlp:lease:"

	// DefaultTTL is the standard entry lifetime.
	DefaultTTL = time.Hour
	// EmbeddingTTL is the lifetime for embeddings-class entries, whose
	// inputs are immutable.
	EmbeddingTTL = 24 * time.Hour
	// DefaultLeaseTTL covers the longest tier timeout plus scheduling slack,
	// so an abandoned lease cannot outlive its holder's activity.
	DefaultLeaseTTL = 210 * time.Second

	// MaxCacheableTemperature is the sampling temperature above which output
	// is too variable to reuse.
	MaxCacheableTemperature = 0.7
)

// Entry is one cached task outcome. Output bytes stay in the result store;
// the entry carries references plus the producer coordinates needed to copy
// them and to detect cross-tenant consumption.
type Entry struct {
	Files            []taskgraph.FileRef      `json:"files,omitempty"`
	Summary          string                   `json:"summary,omitempty"`
	OutputsDigest    string                   `json:"outputs_digest,omitempty"`
	Metadata         taskgraph.ResultMetadata `json:"metadata"`
	ProducerTenant   string                   `json:"producer_tenant"`
	ProducerWorkflow string                   `json:"producer_workflow,omitempty"`
	ProducerTask     string                   `json:"producer_task,omitempty"`
	StoredAt         time.Time                `json:"stored_at"`
}

// Storable reports whether a task's result may enter the cache: succeeded
// outcomes of deterministic, low-temperature tasks only.
func Storable(task *taskgraph.Task, res *taskgraph.TaskResult) bool {
	if task == nil || res == nil || res.Status != taskgraph.StatusSucceeded {
		return false
	}
	if task.Nondeterministic || task.Temperature > MaxCacheableTemperature {
		return false
	}
	return true
}

// Cache is the Redis-backed fingerprint cache.
type Cache struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
}

func New(rw *circuitbreaker.RedisWrapper, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{redis: rw, logger: logger}
}

func entryKey(fp string) string { return entryPrefix + fp }
func leaseKey(fp string) string { return leasePrefix + fp }

// Lookup returns the entry for a fingerprint. Corrupted entries are deleted
// and reported as a miss so the caller recomputes.
func (c *Cache) Lookup(ctx context.Context, fp string) (*Entry, bool, error) {
	raw, err := c.redis.Get(ctx, entryKey(fp)).Bytes()
	if err == redis.Nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		metrics.CacheLookups.WithLabelValues("corrupt").Inc()
		c.logger.Warn("Deleting corrupted cache entry",
			zap.String("fingerprint", fp),
			zap.Error(err))
		c.redis.Del(ctx, entryKey(fp))
		return nil, false, nil
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &e, true, nil
}

// Store writes an entry under the fingerprint. A zero ttl means DefaultTTL.
// Callers gate on Storable first.
func (c *Cache) Store(ctx context.Context, fp string, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache store marshal: %w", err)
	}
	if err := c.redis.Set(ctx, entryKey(fp), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	class := "default"
	if ttl >= EmbeddingTTL {
		class = "embeddings"
	}
	metrics.CacheStores.WithLabelValues(class).Inc()
	return nil
}

// Delete removes an entry, used when a consumer finds the referenced blobs
// gone or a cross-tenant re-moderation blocks the content.
func (c *Cache) Delete(ctx context.Context, fp string) error {
	return c.redis.Del(ctx, entryKey(fp)).Err()
}

// AcquireLease attempts to become the single computer for a fingerprint.
// Returns false when another owner holds the lease.
func (c *Cache) AcquireLease(ctx context.Context, fp, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	ok, err := c.redis.SetNX(ctx, leaseKey(fp), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		metrics.SingleFlightWaits.Inc()
	}
	return ok, nil
}

// releaseScript deletes the lease only when held by the caller, so a slow
// holder cannot drop a successor's lease after its own expired.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// ReleaseLease drops the lease if owner still holds it.
func (c *Cache) ReleaseLease(ctx context.Context, fp, owner string) error {
	err := c.redis.Eval(ctx, releaseScript, []string{leaseKey(fp)}, owner).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// LeaseHolder returns the current lease owner, or "" when unheld.
func (c *Cache) LeaseHolder(ctx context.Context, fp string) (string, error) {
	owner, err := c.redis.Get(ctx, leaseKey(fp)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}
