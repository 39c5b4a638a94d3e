package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/util"
)

const cachePrefix = "qlp:memhint:"

// searchCacheKey hashes the normalized query so equivalent request texts share
// a cached hint set. Tenant is part of the key; hints may leak plan shapes.
func searchCacheKey(req SearchRequest) string {
	material := fmt.Sprintf("%s|%s|%d|%.3f|%s",
		req.TenantID, req.Language, req.Limit, req.Threshold,
		util.CollapseWhitespace(req.Description))
	h := md5.Sum([]byte(material))
	return cachePrefix + hex.EncodeToString(h[:])
}

// responseCache stores serialized search responses in Redis.
type responseCache struct {
	redis *circuitbreaker.RedisWrapper
	ttl   time.Duration
}

func newResponseCache(rw *circuitbreaker.RedisWrapper, ttl time.Duration) *responseCache {
	return &responseCache{redis: rw, ttl: ttl}
}

func (c *responseCache) Get(ctx context.Context, key string) (*SearchResponse, bool) {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var out SearchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		c.redis.Del(ctx, key)
		return nil, false
	}
	return &out, true
}

func (c *responseCache) Set(ctx context.Context, key string, resp *SearchResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, raw, c.ttl).Err()
}
