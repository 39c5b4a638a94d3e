package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces a per-user request budget over a fixed one-minute
// window in Redis. It sits behind auth, so unauthenticated requests pass
// through and fail there instead.
type RateLimiter struct {
	redis             *redis.Client
	logger            *zap.Logger
	requestsPerMinute int
	burst             int
}

// NewRateLimiter creates a new rate limiter. Defaults are 60 requests per
// minute with a burst allowance of 10; RATE_LIMIT_RPM and RATE_LIMIT_BURST
// override them.
func NewRateLimiter(redis *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:             redis,
		logger:            logger,
		requestsPerMinute: envInt("RATE_LIMIT_RPM", 60),
		burst:             envInt("RATE_LIMIT_BURST", 10),
	}
}

// Middleware returns the HTTP middleware function
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		userCtx := UserFrom(ctx)
		if userCtx == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := fmt.Sprintf("qlp:ratelimit:user:%s", userCtx.UserID)
		allowed, remaining, resetAt := rl.checkRateLimit(ctx, key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("user_id", userCtx.UserID),
				zap.String("tenant_id", userCtx.TenantID),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.FormatInt(resetAt.Unix()-time.Now().Unix(), 10))
			rl.sendRateLimitError(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkRateLimit counts the request against the current window. The window
// key carries its start time, so concurrent gateways share the same counter.
func (rl *RateLimiter) checkRateLimit(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	_, err := pipe.Exec(ctx)
	if err != nil {
		// Fail open: a Redis outage must not take down submissions.
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.requestsPerMinute, window.Add(time.Minute)
	}

	count := incr.Val()
	remaining = rl.requestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	resetAt = window.Add(time.Minute)
	allowed = count <= int64(rl.requestsPerMinute+rl.burst)
	return allowed, remaining, resetAt
}

func (rl *RateLimiter) sendRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "Rate limit exceeded",
		"message": "Too many requests. Please retry after the rate limit window resets.",
	})
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}
