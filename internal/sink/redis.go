package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string        // Latest snapshot key; empty disables SET
	Channel  string        // Pub/sub channel; empty disables PUBLISH
	TTL      time.Duration // Expiry of Key; 0 keeps it forever
}

// redisClient is the subset of *redis.Client the sink uses.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher caches and publishes snapshots through Redis.
type RedisPublisher struct {
	cfg    RedisConfig
	client redisClient
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisPublisher{cfg: cfg, client: rdb}, nil
}

// Publish stores body under the configured key and publishes it on the channel.
func (p *RedisPublisher) Publish(ctx context.Context, body []byte) error {
	if p.cfg.Key != "" {
		if err := p.client.Set(ctx, p.cfg.Key, body, p.cfg.TTL).Err(); err != nil {
			return fmt.Errorf("set %s: %w", p.cfg.Key, err)
		}
	}
	if p.cfg.Channel != "" {
		if err := p.client.Publish(ctx, p.cfg.Channel, body).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", p.cfg.Channel, err)
		}
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
