// Package broadcast publishes newly persisted messages on per-conversation
// channels so live clients (the websocket gateway) can stream them without
// polling the durable log.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/types"
)

// Payload is the wire format published per message.
type Payload struct {
	ID          string           `json:"id"`
	GroupID     string           `json:"group_id"`
	TurnID      string           `json:"turn_id"`
	SenderAlias string           `json:"sender_alias"`
	Content     string           `json:"content"`
	ToolCalls   []types.ToolCall `json:"tool_calls,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Publisher publishes message payloads on a conversation-scoped channel.
type Publisher interface {
	Publish(ctx context.Context, groupID, turnID string, msg types.Message) error
}

// RedisPublisher publishes over Redis pub/sub, one channel per group.
type RedisPublisher struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisPublisher creates a publisher on an existing Redis client.
func NewRedisPublisher(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisPublisher {
	if keyPrefix == "" {
		keyPrefix = "synapse:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "broadcast")),
	}
}

// Channel returns the pub/sub channel name for a group.
func (p *RedisPublisher) Channel(groupID string) string {
	return p.keyPrefix + "group:" + groupID
}

// Publish sends the message payload on the group's channel.
func (p *RedisPublisher) Publish(ctx context.Context, groupID, turnID string, msg types.Message) error {
	payload := Payload{
		ID:          msg.ID,
		GroupID:     groupID,
		TurnID:      turnID,
		SenderAlias: msg.SenderAlias,
		Content:     msg.Content,
		ToolCalls:   msg.ToolCalls,
		Timestamp:   msg.Timestamp,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	if err := p.client.Publish(ctx, p.Channel(groupID), data).Err(); err != nil {
		return fmt.Errorf("broadcast publish failed: %w", err)
	}

	p.logger.Debug("message broadcast",
		zap.String("group_id", groupID),
		zap.String("message_id", msg.ID),
	)
	return nil
}

// Subscribe opens a subscription on the group's channel and decodes payloads
// onto the returned channel until the context is canceled. Used by the
// websocket gateway to fan messages out to connected clients.
func (p *RedisPublisher) Subscribe(ctx context.Context, groupID string) (<-chan Payload, error) {
	sub := p.client.Subscribe(ctx, p.Channel(groupID))

	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("broadcast subscribe failed: %w", err)
	}

	out := make(chan Payload, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload Payload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					p.logger.Warn("dropping malformed broadcast payload",
						zap.String("group_id", groupID),
						zap.Error(err),
					)
					continue
				}
				select {
				case out <- payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ensure RedisPublisher implements Publisher
var _ Publisher = (*RedisPublisher)(nil)
