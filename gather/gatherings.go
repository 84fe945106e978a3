// Package gather implements the ephemeral coordination barrier for parallel
// agent dispatches. A gathering tracks how many results are expected for one
// routing decision and accumulates the produced messages until the last
// worker arrives; a one-shot claim guarantees that exactly one collector
// invocation resumes the turn regardless of completion order.
package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/types"
)

// ErrExpired is returned when a gathering's expected count is missing,
// either because the TTL fired or because the record was never created.
var ErrExpired = errors.New("gathering expired or missing")

// DefaultTTL guards against workers that never report back. An orphaned
// gathering is expired and logged, never silently resurrected.
const DefaultTTL = 5 * time.Minute

// Store manages gathering records in Redis. Per gathering id it keeps a hash
// holding the expected/received counters, a list of accumulated message
// payloads, and a claim key used as the one-shot completion lock.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewStore creates a gathering store on an existing Redis client.
func NewStore(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = "synapse:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix + "gather:",
		ttl:       ttl,
		logger:    logger.With(zap.String("component", "gather")),
	}
}

func (s *Store) hashKey(id string) string     { return s.keyPrefix + id }
func (s *Store) messagesKey(id string) string { return s.keyPrefix + id + ":messages" }
func (s *Store) claimKey(id string) string    { return s.keyPrefix + id + ":claimed" }

// Create opens a new gathering expecting the given number of results and
// returns its generated id.
func (s *Store) Create(ctx context.Context, expected int) (string, error) {
	if expected < 2 {
		return "", fmt.Errorf("gathering requires at least 2 expected results, got %d", expected)
	}

	id := uuid.New().String()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.hashKey(id), "expected", expected, "received", 0)
	pipe.Expire(ctx, s.hashKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to create gathering: %w", err)
	}

	s.logger.Info("gathering created",
		zap.String("gathering_id", id),
		zap.Int("expected", expected),
	)

	return id, nil
}

// Append stores a produced message on the gathering and atomically
// increments the received counter, refreshing the TTL on every touch. It
// returns the counter values after the append. ErrExpired is returned when
// the expected count is gone; the caller must then fall back to processing
// the message solo rather than lose it.
func (s *Store) Append(ctx context.Context, id string, msg types.Message) (received, expected int64, err error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to marshal gathered message: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.messagesKey(id), payload)
	incrCmd := pipe.HIncrBy(ctx, s.hashKey(id), "received", 1)
	pipe.Expire(ctx, s.hashKey(id), s.ttl)
	pipe.Expire(ctx, s.messagesKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to append to gathering: %w", err)
	}

	received = incrCmd.Val()

	expectedStr, err := s.client.HGet(ctx, s.hashKey(id), "expected").Result()
	if err == redis.Nil {
		s.logger.Error("gathering expected count missing",
			zap.String("gathering_id", id),
			zap.Int64("received", received),
		)
		return received, 0, ErrExpired
	}
	if err != nil {
		return received, 0, fmt.Errorf("failed to read expected count: %w", err)
	}

	expected, err = strconv.ParseInt(expectedStr, 10, 64)
	if err != nil {
		return received, 0, fmt.Errorf("malformed expected count %q: %w", expectedStr, err)
	}

	return received, expected, nil
}

// Claim attempts to acquire the one-shot completion lock. Only the caller
// that wins may drain the gathering and resume the turn; everyone else must
// no-op. The claim key carries the same TTL as the gathering so a crashed
// winner does not wedge the record forever.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	won, err := s.client.SetNX(ctx, s.claimKey(id), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim gathering: %w", err)
	}
	return won, nil
}

// Drain reads the accumulated messages in completion order and deletes the
// gathering. Called exactly once, by the claim winner.
func (s *Store) Drain(ctx context.Context, id string) ([]types.Message, error) {
	pipe := s.client.Pipeline()
	rangeCmd := pipe.LRange(ctx, s.messagesKey(id), 0, -1)
	pipe.Del(ctx, s.messagesKey(id), s.hashKey(id), s.claimKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain gathering: %w", err)
	}

	raw := rangeCmd.Val()
	msgs := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		var msg types.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal gathered message: %w", err)
		}
		msgs = append(msgs, msg)
	}

	s.logger.Info("gathering drained",
		zap.String("gathering_id", id),
		zap.Int("messages", len(msgs)),
	)

	return msgs, nil
}

// SweepOrphans logs gatherings whose TTL is within the given horizon of
// expiring. Redis removes the keys itself; the sweep exists so operators see
// batches that will never complete instead of losing them silently.
func (s *Store) SweepOrphans(ctx context.Context, horizon time.Duration) (int, error) {
	keys, err := s.client.Keys(ctx, s.keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan gatherings: %w", err)
	}

	count := 0
	for _, key := range keys {
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			continue
		}
		if ttl <= horizon {
			s.logger.Warn("gathering near expiry, batch will be abandoned",
				zap.String("key", key),
				zap.Duration("ttl", ttl),
			)
			count++
		}
	}

	return count, nil
}
