package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel 默认通知频道
const DefaultChannel = "dprelay:events:processed"

// PubSub Redis 发布/订阅客户端（复用工作队列的连接）
type PubSub struct {
	client  redis.UniversalClient
	channel string
}

// NewPubSub 创建 PubSub 实例
func NewPubSub(client redis.UniversalClient, channel string) *PubSub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PubSub{
		client:  client,
		channel: channel,
	}
}

// ProcessedNotification 事件处理完成通知消息
type ProcessedNotification struct {
	EventID   string `json:"event_id"`
	OrderID   string `json:"order_id"`
	Subject   string `json:"subject"`
	Timestamp int64  `json:"timestamp"`
}

// PublishProcessed 发布处理完成通知
func (p *PubSub) PublishProcessed(ctx context.Context, notification *ProcessedNotification) error {
	msgJSON, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, msgJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}

// Subscribe 订阅通知频道
func (p *PubSub) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}
