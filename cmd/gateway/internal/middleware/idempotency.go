package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// idempotencyTTL bounds how long a replayed response stays valid. Retries
// past this window re-execute, which is safe because the workflow layer
// dedupes on run ID anyway.
const idempotencyTTL = 24 * time.Hour

// IdempotencyMiddleware replays cached responses for POST requests that carry
// an Idempotency-Key header. The cache key covers caller, path and body, so
// the same key with a different payload produces a fresh execution.
type IdempotencyMiddleware struct {
	redis  *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

func NewIdempotencyMiddleware(redis *redis.Client, logger *zap.Logger) *IdempotencyMiddleware {
	return &IdempotencyMiddleware{
		redis:  redis,
		logger: logger,
		ttl:    idempotencyTTL,
	}
}

// storedResponse is the Redis record for one completed request.
type storedResponse struct {
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers"`
	Body     []byte              `json:"body"`
	CachedAt time.Time           `json:"cached_at"`
}

// replayRecorder tees the response to the client while keeping a copy for
// the cache.
type replayRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
	wrote  bool
}

func (rr *replayRecorder) WriteHeader(code int) {
	if rr.wrote {
		return
	}
	rr.status = code
	rr.wrote = true
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *replayRecorder) Write(b []byte) (int, error) {
	if !rr.wrote {
		rr.WriteHeader(http.StatusOK)
	}
	rr.body.Write(b)
	return rr.ResponseWriter.Write(b)
}

// Middleware wraps next with replay-from-cache semantics. Only POST requests
// with an Idempotency-Key participate; everything else passes straight
// through.
func (im *IdempotencyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		cacheKey := im.fingerprint(r, key)

		if cached, err := im.load(ctx, cacheKey); err == nil {
			im.logger.Debug("Replaying idempotent response",
				zap.String("idempotency_key", key),
				zap.String("path", r.URL.Path),
			)
			im.replay(w, cached, key)
			return
		}

		rec := &replayRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// Only successful responses are worth replaying.
		if rec.status < 200 || rec.status >= 300 {
			return
		}
		if err := im.store(ctx, cacheKey, rec); err != nil {
			im.logger.Error("Failed to cache idempotent response",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	})
}

func (im *IdempotencyMiddleware) replay(w http.ResponseWriter, cached *storedResponse, key string) {
	for name, values := range cached.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Idempotency-Cached", "true")
	w.Header().Set("X-Idempotency-Key", key)
	w.WriteHeader(cached.Status)
	w.Write(cached.Body)
}

// fingerprint hashes key, caller, path and body. Including the user prevents
// cross-tenant replay of someone else's response.
func (im *IdempotencyMiddleware) fingerprint(r *http.Request, key string) string {
	userID := ""
	if uc := UserFrom(r.Context()); uc != nil {
		userID = uc.UserID
	}

	h := sha256.New()
	h.Write([]byte(key))
	h.Write([]byte(userID))
	h.Write([]byte(r.URL.Path))
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.Write(body)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	return "qlp:idempotency:" + sum[:16]
}

func (im *IdempotencyMiddleware) load(ctx context.Context, cacheKey string) (*storedResponse, error) {
	data, err := im.redis.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return nil, err
	}
	var sr storedResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

func (im *IdempotencyMiddleware) store(ctx context.Context, cacheKey string, rec *replayRecorder) error {
	data, err := json.Marshal(storedResponse{
		Status:   rec.status,
		Headers:  rec.Header(),
		Body:     rec.body.Bytes(),
		CachedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return im.redis.Set(ctx, cacheKey, data, im.ttl).Err()
}
