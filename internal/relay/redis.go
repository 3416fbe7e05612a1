package relay

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix = "room:"
	redisPattern       = redisChannelPrefix + "*"
)

// RedisRelay uses Redis pub/sub with one channel per room (room:<id>) and a
// single PSUBSCRIBE on room:*.
type RedisRelay struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisRelay returns a relay publishing and subscribing through client.
func NewRedisRelay(client redis.UniversalClient, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger.Named("relay.redis")}
}

// Publish implements Relay.
func (r *RedisRelay) Publish(ctx context.Context, roomID string, env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, redisChannelPrefix+roomID, payload).Err(); err != nil {
		return unavailable("publish to "+roomID, err)
	}
	return nil
}

// Subscribe implements Relay. The go-redis PubSub reconnects and
// re-subscribes on its own; messages published while disconnected are lost.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := r.client.PSubscribe(ctx, redisPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("psubscribe "+redisPattern, err)
	}
	r.logger.Info("Subscribed to room channels", zap.String("pattern", redisPattern))

	out := make(chan Event, eventBuffer)
	msgs := pubsub.Channel(redis.WithChannelSize(eventBuffer))

	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				r.logger.Debug("Error closing subscription", zap.Error(err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				roomID := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
				ev, ok := decodeEvent(r.logger, roomID, []byte(msg.Payload))
				if !ok {
					continue
				}
				if !forward(ctx, out, ev) {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the underlying client, which also ends active subscriptions.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
