package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/synapse/types"
)

// RedisStore is a Redis-based implementation of Store. Suitable for
// distributed deployments where continuation jobs run on different worker
// processes. One JSON value per thread key.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a checkpoint store on an existing Redis client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "synapse:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
	}
}

func (s *RedisStore) key(threadID string) string {
	return s.keyPrefix + threadID
}

// Load returns the latest checkpoint for the thread, or ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, threadID string) (*types.TurnState, error) {
	data, err := s.client.Get(ctx, s.key(threadID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint load failed: %w", err)
	}

	var state types.TurnState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, types.NewError(types.ErrCheckpointCorrupt, "checkpoint deserialization failed").WithCause(err)
	}

	return &state, nil
}

// Save replaces the checkpoint for the thread. Checkpoints carry no TTL: a
// turn may stay suspended for as long as its slowest worker takes to report.
func (s *RedisStore) Save(ctx context.Context, threadID string, state *types.TurnState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := s.client.Set(ctx, s.key(threadID), data, 0).Err(); err != nil {
		return fmt.Errorf("checkpoint save failed: %w", err)
	}

	return nil
}

// Delete removes the checkpoint for the thread.
func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, s.key(threadID)).Err(); err != nil {
		return fmt.Errorf("checkpoint delete failed: %w", err)
	}
	return nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
