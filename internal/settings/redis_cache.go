package settings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mmeshcher/bonus-ledger/internal/model"
)

// RedisCache хранит снимок настроек в Redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache создаёт кеш поверх готового клиента Redis.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*model.Settings, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var s model.Settings
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value *model.Settings, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
