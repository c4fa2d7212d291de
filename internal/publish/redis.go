package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"nsmetrics/internal/config"
	"nsmetrics/internal/model"
)

// RedisPublisher stores the latest snapshot under a key with a TTL and
// announces it on a pub/sub channel. The TTL lets readers tell a dead engine
// from a quiet one.
type RedisPublisher struct {
	client  *redis.Client
	key     string
	channel string
	ttl     time.Duration
}

func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(client, cfg)
}

func NewRedisPublisherWithClient(client *redis.Client, cfg config.RedisConfig) *RedisPublisher {
	return &RedisPublisher{client: client, key: cfg.Key, channel: cfg.Channel, ttl: cfg.TTL}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Publish(ctx context.Context, snap *model.Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return err
	}
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.key, payload, p.ttl)
	if p.channel != "" {
		pipe.Publish(ctx, p.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.key, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
