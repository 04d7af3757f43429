package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/mobius/internal/observability"
)

type redisEnvelope struct {
	Origin  string `json:"origin"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// RedisRelay carries broadcasts between hosts over redis pub/sub
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	origin  string
	deliver Handler
	logger  *slog.Logger
}

// NewRedisRelay creates a relay on the given redis channel. Broadcasts from
// other hosts are passed to deliver.
func NewRedisRelay(rdb *redis.Client, channel string, deliver Handler, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		deliver: deliver,
		logger:  logger,
	}
}

// Publish sends a broadcast to the other hosts
func (r *RedisRelay) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(redisEnvelope{Origin: r.origin, Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Run delivers broadcasts from other hosts until ctx ends
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("Broadcast relay subscribed", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(raw string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		r.logger.Warn("Dropping malformed broadcast", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	observability.RecordBroadcast("redis")
	r.deliver(env.Topic, env.Payload)
}
