package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// CircuitBreakerConfig is the env-tunable subset of Config, one block per
// dependency class.
type CircuitBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// configFromEnv overlays CB_<prefix>_* environment variables onto defaults.
func configFromEnv(prefix string, defaults CircuitBreakerConfig) CircuitBreakerConfig {
	key := func(suffix string) string { return "CB_" + prefix + "_" + suffix }
	return CircuitBreakerConfig{
		MaxRequests:      getEnvUint32(key("MAX_REQUESTS"), defaults.MaxRequests),
		Interval:         getEnvDuration(key("INTERVAL"), defaults.Interval),
		Timeout:          getEnvDuration(key("TIMEOUT"), defaults.Timeout),
		FailureThreshold: getEnvUint32(key("FAILURE_THRESHOLD"), defaults.FailureThreshold),
		SuccessThreshold: getEnvUint32(key("SUCCESS_THRESHOLD"), defaults.SuccessThreshold),
	}
}

// GetRedisConfig reads the Redis breaker tuning. Redis backs the result store
// and cache, so it trips fast and probes fast.
func GetRedisConfig() CircuitBreakerConfig {
	return configFromEnv("REDIS", CircuitBreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// GetDatabaseConfig reads the Postgres breaker tuning. Persistence retries
// ride Temporal's activity retry, so the breaker is slower to trip.
func GetDatabaseConfig() CircuitBreakerConfig {
	return configFromEnv("DB", CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	})
}

// GetHTTPConfig reads the tuning shared by collaborator HTTP clients (Agent
// Factory, Validation Mesh, HAP, Vector Memory, sandbox).
func GetHTTPConfig() CircuitBreakerConfig {
	return configFromEnv("HTTP", CircuitBreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	})
}

// ToConfig converts to the breaker's runtime Config.
func (cbc CircuitBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      cbc.MaxRequests,
		Interval:         cbc.Interval,
		Timeout:          cbc.Timeout,
		FailureThreshold: cbc.FailureThreshold,
		SuccessThreshold: cbc.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
