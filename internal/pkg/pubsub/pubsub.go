package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelBalanceUpdates = "balance_updates"

	MessageTypeBalance = "balance_update"
)

// BalanceMessage 余额变动通知
type BalanceMessage struct {
	Type          string `json:"type"`
	AccountID     int64  `json:"account_id"`
	Kind          string `json:"kind"` // debit, credit, reset
	Balance       int64  `json:"balance"`
	Delta         int64  `json:"delta"`
	TransactionID int64  `json:"transaction_id"`
	Partial       bool   `json:"partial,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Publisher Redis 发布者
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, channel: ChannelBalanceUpdates}
}

// PublishBalance 发布余额变动
func (p *Publisher) PublishBalance(ctx context.Context, msg *BalanceMessage) error {
	msg.Type = MessageTypeBalance

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal balance message: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, channel: ChannelBalanceUpdates}
}

// Subscribe 订阅余额变动，阻塞直到 ctx 取消
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*BalanceMessage)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	// 等待订阅确认，保证返回后发布的消息不会丢失
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var balanceMsg BalanceMessage
			if err := json.Unmarshal([]byte(msg.Payload), &balanceMsg); err != nil {
				continue // 忽略解析错误
			}

			handler(&balanceMsg)
		}
	}
}
