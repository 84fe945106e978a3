package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/synapse/types"
)

func setupPublisher(t *testing.T) *RedisPublisher {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisPublisher(client, "synapse:", zap.NewNop())
}

func TestRedisPublisher_RoundTrip(t *testing.T) {
	p := setupPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := p.Subscribe(ctx, "group-1")
	require.NoError(t, err)

	msg := types.NewMessage("Agent One", "found it").WithToolCalls(nil)
	require.NoError(t, p.Publish(ctx, "group-1", "turn-1", msg))

	select {
	case payload := <-sub:
		assert.Equal(t, msg.ID, payload.ID)
		assert.Equal(t, "group-1", payload.GroupID)
		assert.Equal(t, "turn-1", payload.TurnID)
		assert.Equal(t, "Agent One", payload.SenderAlias)
		assert.Equal(t, "found it", payload.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast received")
	}
}

func TestRedisPublisher_ChannelIsGroupScoped(t *testing.T) {
	p := setupPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := p.Subscribe(ctx, "group-a")
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "group-b", "turn-1", types.NewMessage(types.SenderUser, "elsewhere")))

	select {
	case payload := <-sub:
		t.Fatalf("unexpected cross-group payload: %+v", payload)
	case <-time.After(200 * time.Millisecond):
	}
}
