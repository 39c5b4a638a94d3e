// Package memory is the client for the Vector Memory collaborator. Prior
// build patterns steer decomposition (task kinds, tier hints); finished runs
// feed summaries back. Lookups go through a Redis response cache because the
// same request text recurs across tenants and retries.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/interceptors"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/metrics"
	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/tracing"
)

// Config controls the collaborator connection. Disabled clients answer every
// search with no patterns and drop upserts.
type Config struct {
	Enabled   bool
	BaseURL   string
	Timeout   time.Duration
	TopK      int
	Threshold float64
	CacheTTL  time.Duration
}

// PlanHint is the reusable structure of a prior successful plan.
type PlanHint struct {
	TaskKinds  []string          `json:"task_kinds,omitempty"`
	TierByKind map[string]string `json:"tier_by_kind,omitempty"`
	Framework  string            `json:"framework,omitempty"`
	Notes      string            `json:"notes,omitempty"`
}

// Pattern is one scored match from the memory store.
type Pattern struct {
	Score   float64   `json:"score"`
	Summary string    `json:"summary"`
	Hint    *PlanHint `json:"hint,omitempty"`
}

// SearchRequest queries for patterns similar to a build request.
type SearchRequest struct {
	Description string  `json:"description"`
	TenantID    string  `json:"tenant_id,omitempty"`
	Language    string  `json:"language,omitempty"`
	Limit       int     `json:"limit,omitempty"`
	Threshold   float64 `json:"threshold,omitempty"`
}

// SearchResponse is the ranked pattern list.
type SearchResponse struct {
	Patterns []Pattern `json:"patterns"`
}

// UpsertRequest records a finished run's pattern.
type UpsertRequest struct {
	RequestID   string   `json:"request_id"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Description string   `json:"description"`
	Summary     string   `json:"summary,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	TaskKinds   []string `json:"task_kinds,omitempty"`
	MeanScore   float64  `json:"mean_score,omitempty"`
	Mode        string   `json:"mode,omitempty"`
}

// Client talks to the Vector Memory service over HTTP with a circuit breaker
// and an optional Redis response cache.
type Client struct {
	cfg    Config
	httpw  *circuitbreaker.HTTPWrapper
	cache  *responseCache
	logger *zap.Logger
}

func NewClient(cfg Config, redisw *circuitbreaker.RedisWrapper, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TopK == 0 {
		cfg.TopK = 3
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: interceptors.NewWorkflowHTTPRoundTripper(nil),
	}
	var cache *responseCache
	if redisw != nil {
		cache = newResponseCache(redisw, cfg.CacheTTL)
	}
	return &Client{
		cfg:    cfg,
		httpw:  circuitbreaker.NewHTTPWrapper(httpClient, "vector-memory", "orchestrator", logger),
		cache:  cache,
		logger: logger,
	}
}

// Enabled reports whether the collaborator is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled && c.cfg.BaseURL != "" }

// Search returns patterns similar to the request. A disabled client or a
// collaborator failure yields no patterns, never an error that would fail
// decomposition.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if !c.Enabled() {
		return &SearchResponse{}, nil
	}
	if req.Limit <= 0 {
		req.Limit = c.cfg.TopK
	}
	if req.Threshold == 0 {
		req.Threshold = c.cfg.Threshold
	}

	cacheKey := searchCacheKey(req)
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, cacheKey); ok {
			metrics.PlanHintLookups.WithLabelValues("hit").Inc()
			return cached, nil
		}
	}

	url := fmt.Sprintf("%s/memory/search", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.httpw.Do(httpReq)
	if err != nil {
		metrics.PlanHintLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("memory search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.PlanHintLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("memory search status %d", resp.StatusCode)
	}

	var out SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.PlanHintLookups.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode memory search: %w", err)
	}

	if len(out.Patterns) > 0 {
		metrics.PlanHintLookups.WithLabelValues("miss_filled").Inc()
	} else {
		metrics.PlanHintLookups.WithLabelValues("miss").Inc()
	}
	if c.cache != nil {
		c.cache.Set(ctx, cacheKey, &out)
	}
	return &out, nil
}

// Upsert records a run pattern. Failures are logged, not returned: memory is
// advisory and must never fail a run.
func (c *Client) Upsert(ctx context.Context, req UpsertRequest) {
	if !c.Enabled() {
		return
	}
	url := fmt.Sprintf("%s/memory/upsert", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	buf, err := json.Marshal(req)
	if err != nil {
		c.logger.Warn("Marshal memory upsert failed", zap.Error(err))
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		c.logger.Warn("Build memory upsert request failed", zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.httpw.Do(httpReq)
	if err != nil {
		c.logger.Warn("Memory upsert failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Memory upsert rejected",
			zap.String("request_id", req.RequestID),
			zap.Int("status", resp.StatusCode))
	}
}
