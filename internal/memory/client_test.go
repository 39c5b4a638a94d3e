package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
)

func newTestRedis(t *testing.T) *circuitbreaker.RedisWrapper {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
}

func TestSearchDisabled(t *testing.T) {
	c := NewClient(Config{Enabled: false}, nil, zaptest.NewLogger(t))

	resp, err := c.Search(context.Background(), SearchRequest{Description: "anything"})
	require.NoError(t, err)
	assert.Empty(t, resp.Patterns)
}

func TestSearchRoundtrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/memory/search", r.URL.Path)
		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Limit, "default TopK applied")

		json.NewEncoder(w).Encode(SearchResponse{Patterns: []Pattern{
			{Score: 0.92, Summary: "fastapi todo service", Hint: &PlanHint{
				TaskKinds:  []string{"design", "implement", "test"},
				TierByKind: map[string]string{"implement": "T2"},
			}},
		}})
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	resp, err := c.Search(context.Background(), SearchRequest{Description: "build a todo api", TenantID: "tenant-a"})
	require.NoError(t, err)

	require.Len(t, resp.Patterns, 1)
	assert.Equal(t, 0.92, resp.Patterns[0].Score)
	require.NotNil(t, resp.Patterns[0].Hint)
	assert.Equal(t, "T2", resp.Patterns[0].Hint.TierByKind["implement"])
}

func TestSearchUsesResponseCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(SearchResponse{Patterns: []Pattern{{Score: 0.8, Summary: "s"}}})
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, BaseURL: srv.URL}, newTestRedis(t), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp, err := c.Search(ctx, SearchRequest{Description: "Build   a TODO api", TenantID: "t1"})
		require.NoError(t, err)
		require.Len(t, resp.Patterns, 1)
	}
	// Whitespace-variant of the same text shares the cache entry.
	_, err := c.Search(ctx, SearchRequest{Description: "build a todo API", TenantID: "t1"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSearchCacheKeyTenantScoped(t *testing.T) {
	a := searchCacheKey(SearchRequest{Description: "x", TenantID: "tenant-a", Limit: 3})
	b := searchCacheKey(SearchRequest{Description: "x", TenantID: "tenant-b", Limit: 3})
	assert.NotEqual(t, a, b)
}

func TestSearchErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), SearchRequest{Description: "x"})
	assert.Error(t, err)
}

func TestUpsertFireAndForget(t *testing.T) {
	var got UpsertRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/memory/upsert", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{Enabled: true, BaseURL: srv.URL}, nil, zaptest.NewLogger(t))
	c.Upsert(context.Background(), UpsertRequest{
		RequestID: "req-1",
		TenantID:  "tenant-a",
		Languages: []string{"python"},
		TaskKinds: []string{"implement", "test"},
		MeanScore: 0.88,
	})

	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, []string{"python"}, got.Languages)
}

func TestUpsertFailureDoesNotPanic(t *testing.T) {
	c := NewClient(Config{Enabled: true, BaseURL: "http://127.0.0.1:0", Timeout: 100 * time.Millisecond}, nil, zaptest.NewLogger(t))
	c.Upsert(context.Background(), UpsertRequest{RequestID: "req-1"})
}

func TestUpsertDisabledNoCall(t *testing.T) {
	c := NewClient(Config{}, nil, zaptest.NewLogger(t))
	c.Upsert(context.Background(), UpsertRequest{RequestID: "req-1"})
}
