package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards the Redis client backing the result store, the
// fingerprint cache and single-flight leases. A missing key (redis.Nil) is a
// normal outcome, never a breaker failure.
type RedisWrapper struct {
	client *redis.Client
	cb     *CircuitBreaker
	logger *zap.Logger
}

func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "result-store", cb)

	return &RedisWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

// run executes op under the breaker and reports the outcome. With nilOK set,
// redis.Nil counts as success so cache misses and absent leases never trip
// the breaker.
func (rw *RedisWrapper) run(ctx context.Context, nilOK bool, op func() error) error {
	err := rw.cb.Execute(ctx, func() error {
		e := op()
		if nilOK && e == redis.Nil {
			return nil
		}
		return e
	})
	GlobalMetricsCollector.RecordRequest("redis", "result-store", rw.cb.State(), err == nil)
	return err
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.run(ctx, false, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	err := rw.run(ctx, true, func() error {
		result = rw.client.Get(ctx, key)
		return result.Err()
	})
	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.run(ctx, false, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := rw.run(ctx, false, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	var result *redis.StringSliceCmd
	err := rw.run(ctx, false, func() error {
		result = rw.client.Keys(ctx, pattern)
		return result.Err()
	})
	if err != nil {
		result = redis.NewStringSliceCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// SetNX backs single-flight lease acquisition; a false result means the
// lease is held elsewhere, not that Redis failed.
func (rw *RedisWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd
	err := rw.run(ctx, false, func() error {
		result = rw.client.SetNX(ctx, key, value, expiration)
		return result.Err()
	})
	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Eval runs the compare-and-delete script used for lease release.
func (rw *RedisWrapper) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	var result *redis.Cmd
	err := rw.run(ctx, true, func() error {
		result = rw.client.Eval(ctx, script, keys, args...)
		return result.Err()
	})
	if err != nil {
		result = redis.NewCmd(ctx)
		result.SetErr(err)
	}
	return result
}

func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient exposes the raw client for operations the wrapper does not
// cover, such as pub/sub.
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
