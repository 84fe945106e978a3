package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/types"
)

// RedisBroker is a Redis Streams implementation of Broker. One stream per
// queue; consumers read through a shared consumer group so each job is
// processed by exactly one worker per group, with pending-entry reclaim for
// crashed consumers.
type RedisBroker struct {
	client      *redis.Client
	keyPrefix   string
	maxAttempts int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// RedisBrokerConfig configures enqueue retry behavior.
type RedisBrokerConfig struct {
	KeyPrefix   string        `yaml:"key_prefix" json:"key_prefix"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff" json:"base_backoff"`
}

// DefaultRedisBrokerConfig returns the default broker configuration.
func DefaultRedisBrokerConfig() RedisBrokerConfig {
	return RedisBrokerConfig{
		KeyPrefix:   "synapse:",
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
	}
}

// NewRedisBroker creates a broker on an existing Redis client.
func NewRedisBroker(client *redis.Client, config RedisBrokerConfig, logger *zap.Logger) *RedisBroker {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "synapse:"
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:      client,
		keyPrefix:   config.KeyPrefix,
		maxAttempts: config.MaxAttempts,
		baseBackoff: config.BaseBackoff,
		logger:      logger.With(zap.String("component", "broker")),
	}
}

func (b *RedisBroker) streamKey(queue string) string {
	return b.keyPrefix + "queue:" + queue
}

// Enqueue appends a job to the queue stream, retrying transient failures
// with exponential backoff. After exhausting attempts the error surfaces as
// a hard failure of the triggering action.
func (b *RedisBroker) Enqueue(ctx context.Context, queue, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := Job{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := b.baseBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.streamKey(queue),
			Values: map[string]any{"job": string(encoded)},
		}).Err()
		if err == nil {
			b.logger.Debug("job enqueued",
				zap.String("queue", queue),
				zap.String("job", name),
				zap.String("job_id", job.ID),
			)
			return nil
		}

		lastErr = err
		b.logger.Warn("enqueue attempt failed",
			zap.String("queue", queue),
			zap.String("job", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return types.NewError(types.ErrDispatchFailed,
		fmt.Sprintf("enqueue %q on %q failed after %d attempts", name, queue, b.maxAttempts)).
		WithCause(lastErr).
		WithRetryable(true)
}

// Close is a no-op; the underlying client is owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}

// Ensure RedisBroker implements Broker
var _ Broker = (*RedisBroker)(nil)
