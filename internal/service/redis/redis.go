package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	// RedisService wraps the subset of Redis the relay uses:
	// TTL'd presence keys and pub/sub frame routing between relay
	// instances. No message payload is ever stored.
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) SetEX(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisService) Get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r *RedisService) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisService) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Publish returns the number of subscribers that received the message.
func (r *RedisService) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return r.rdb.Publish(ctx, channel, payload).Result()
}

func (r *RedisService) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.rdb.Subscribe(ctx, channel)
}
