package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type Queue struct {
	client    *redis.Client
	queueName string
}

// UsageMessage 计量工作完成后上报的用量事件
type UsageMessage struct {
	AccountID    int64                  `json:"account_id"`
	Source       string                 `json:"source"` // text, image, search, tokens
	Model        string                 `json:"model,omitempty"`
	InputTokens  int64                  `json:"input_tokens,omitempty"`
	OutputTokens int64                  `json:"output_tokens,omitempty"`
	Count        int64                  `json:"count,omitempty"`
	Tokens       int64                  `json:"tokens,omitempty"`
	ReferenceID  string                 `json:"reference_id"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	EnqueuedAt   time.Time              `json:"enqueued_at"`
	Error        string                 `json:"error,omitempty"` // 仅死信队列中使用

	raw string // Reserve 取出时的原始内容，Ack/Requeue 按它从 processing 列表删除
}

func NewQueue(client *redis.Client, queueName string) *Queue {
	return &Queue{
		client:    client,
		queueName: queueName,
	}
}

// Push 将用量事件加入队列
func (q *Queue) Push(ctx context.Context, msg *UsageMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	// 重新投递时靠引用去重，入队前必须确定
	if msg.ReferenceID == "" {
		msg.ReferenceID = uuid.NewString()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 从队列获取事件（阻塞），超时返回 nil, nil
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*UsageMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg UsageMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// Reserve 阻塞取出一条事件并移入 consumer 的 processing 列表，超时返回 nil, nil
//
// 取出的事件在 Ack 或 Requeue 之前一直留在 processing 列表中，进程退出后由 Restore 放回队列。
func (q *Queue) Reserve(ctx context.Context, consumer string, timeout time.Duration) (*UsageMessage, error) {
	data, err := q.client.BRPopLPush(ctx, q.queueName, q.processingName(consumer), timeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to reserve from queue: %w", err)
	}

	var msg UsageMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		// 无法解析的内容直接移出，避免每次 Restore 都卡住
		q.client.LRem(ctx, q.processingName(consumer), 1, data)
		q.client.LPush(ctx, q.deadLetterName(), data)
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg.raw = data
	return &msg, nil
}

// Ack 事件已入账、重复或已进入死信队列，从 processing 列表移除
func (q *Queue) Ack(ctx context.Context, consumer string, msg *UsageMessage) error {
	if msg.raw == "" {
		return nil
	}
	return q.client.LRem(ctx, q.processingName(consumer), 1, msg.raw).Err()
}

// Requeue 未处理完的事件放回队列尾部，下一次 Reserve 优先取到
func (q *Queue) Requeue(ctx context.Context, consumer string, msg *UsageMessage) error {
	if msg.raw == "" {
		return fmt.Errorf("message %s was not reserved", msg.ReferenceID)
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingName(consumer), 1, msg.raw)
		pipe.RPush(ctx, q.queueName, msg.raw)
		return nil
	})
	return err
}

// Restore 将 consumer 上次退出时遗留在 processing 列表中的事件放回队列，返回数量
func (q *Queue) Restore(ctx context.Context, consumer string) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingName(consumer), q.queueName).Err()
		if err == redis.Nil {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to restore processing list: %w", err)
		}
		n++
	}
}

// ProcessingLength 获取 consumer 的 processing 列表长度
func (q *Queue) ProcessingLength(ctx context.Context, consumer string) (int64, error) {
	return q.client.LLen(ctx, q.processingName(consumer)).Result()
}

// DeadLetter 记录无法入账的事件，供人工排查
func (q *Queue) DeadLetter(ctx context.Context, msg *UsageMessage, cause error) error {
	msg.Error = cause.Error()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.deadLetterName(), data).Err()
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

// DeadLetterLength 获取死信队列长度
func (q *Queue) DeadLetterLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterName()).Result()
}

func (q *Queue) processingName(consumer string) string {
	return q.queueName + ":processing:" + consumer
}

func (q *Queue) deadLetterName() string {
	return q.queueName + ":dead"
}
