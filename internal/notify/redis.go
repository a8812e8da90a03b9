package notify

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisher публикует уведомления в канал Redis для внешнего сервиса доставки.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher создаёт издателя уведомлений в указанный канал.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Send публикует уведомление в канал.
func (p *RedisPublisher) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
