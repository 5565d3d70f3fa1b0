package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/fraudwatch/internal/fraud"
)

// RedisPublisher publishes flags on a pub/sub channel and keeps a per-user
// counter of raised flags for dashboards.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (r *RedisPublisher) Name() string { return "redis" }

// Publish sends the flag and bumps the user's counter in one pipeline.
func (r *RedisPublisher) Publish(ctx context.Context, flag *fraud.FlaggedTransaction) error {
	payload, err := Encode(flag)
	if err != nil {
		return fmt.Errorf("failed to encode flag: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, r.channel, payload)
		pipe.HIncrBy(ctx, FlagCountKey(flag.UserID), flag.FraudType, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish flag: %w", err)
	}
	return nil
}

// Close closes the client.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

// Ping reports whether the Redis server is reachable.
func (r *RedisPublisher) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// FlagCountKey is the hash holding a user's flag counts by label.
func FlagCountKey(userID string) string {
	return "fraud:flags:" + userID
}
