// Package results is the Redis-backed task output store. File bytes produced
// by a task live here for the capsule window; workflow history only carries
// references, keeping event payloads small.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
)

const (
	keyPrefix = "qlp:results:"

	// DefaultTTL keeps outputs long enough for assembly, replay and
	// cache-hit copies of long-running runs.
	DefaultTTL = 24 * time.Hour
)

// ErrNotFound reports an absent or expired output blob.
var ErrNotFound = errors.New("task output not found")

// Store reads and writes per-task output maps keyed by produced path.
type Store struct {
	redis  *circuitbreaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration
}

func NewStore(rw *circuitbreaker.RedisWrapper, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{redis: rw, logger: logger, ttl: DefaultTTL}
}

// SetTTL overrides the retention window; zero or negative keeps the default.
func (s *Store) SetTTL(d time.Duration) {
	if d > 0 {
		s.ttl = d
	}
}

func key(workflowID, taskID string) string {
	return keyPrefix + workflowID + ":" + taskID
}

// Put stores a task's output files. Byte values marshal as base64 inside the
// JSON envelope.
func (s *Store) Put(ctx context.Context, workflowID, taskID string, files map[string][]byte) error {
	raw, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal task outputs: %w", err)
	}
	if err := s.redis.Set(ctx, key(workflowID, taskID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store task outputs: %w", err)
	}
	return nil
}

// Get loads a task's output files. Returns ErrNotFound for missing or expired
// blobs so callers can distinguish recomputable absence from infrastructure
// failure.
func (s *Store) Get(ctx context.Context, workflowID, taskID string) (map[string][]byte, error) {
	raw, err := s.redis.Get(ctx, key(workflowID, taskID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task outputs: %w", err)
	}
	var files map[string][]byte
	if err := json.Unmarshal(raw, &files); err != nil {
		s.logger.Warn("Deleting corrupted task output blob",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", taskID),
			zap.Error(err))
		s.redis.Del(ctx, key(workflowID, taskID))
		return nil, ErrNotFound
	}
	return files, nil
}

// Copy duplicates a producer's outputs under a consumer's key with a fresh
// TTL. Used on cache hits so every task of a workflow resolves locally at
// assembly time.
func (s *Store) Copy(ctx context.Context, fromWorkflow, fromTask, toWorkflow, toTask string) error {
	files, err := s.Get(ctx, fromWorkflow, fromTask)
	if err != nil {
		return err
	}
	return s.Put(ctx, toWorkflow, toTask, files)
}

// Delete removes one task's outputs.
func (s *Store) Delete(ctx context.Context, workflowID, taskID string) error {
	return s.redis.Del(ctx, key(workflowID, taskID)).Err()
}

// Fetcher adapts the store to the assembler's per-task fetch callback.
func (s *Store) Fetcher(ctx context.Context, workflowID string) func(taskID string) (map[string][]byte, error) {
	return func(taskID string) (map[string][]byte, error) {
		return s.Get(ctx, workflowID, taskID)
	}
}
