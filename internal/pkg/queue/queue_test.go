package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return client, cleanup
}

func TestQueue_PushPop(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := NewQueue(client, "test_usage")

	msg := &UsageMessage{
		AccountID:    10,
		Source:       "text",
		Model:        "gpt-4o",
		InputTokens:  120,
		OutputTokens: 80,
		ReferenceID:  "evt-1",
		Metadata:     map[string]interface{}{"conversation_id": "c1"},
	}
	require.NoError(t, q.Push(ctx, msg))
	assert.False(t, msg.EnqueuedAt.IsZero())

	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	result, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(10), result.AccountID)
	assert.Equal(t, "text", result.Source)
	assert.Equal(t, int64(120), result.InputTokens)
	assert.Equal(t, "evt-1", result.ReferenceID)
	assert.Equal(t, "c1", result.Metadata["conversation_id"])
}

func TestQueue_FIFO(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := NewQueue(client, "test_fifo")

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(ctx, &UsageMessage{AccountID: int64(i)}))
	}

	for i := 1; i <= 3; i++ {
		result, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, int64(i), result.AccountID)
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	q := NewQueue(client, "test_empty")

	result, err := q.Pop(context.Background(), 10*time.Millisecond)
	// miniredis 对 BRPOP 超时的支持不完整，只要求不返回消息
	if err == nil {
		assert.Nil(t, result)
	}
}

func TestQueue_DeadLetter(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := NewQueue(client, "test_dead")

	require.NoError(t, q.DeadLetter(ctx, &UsageMessage{AccountID: 1}, errors.New("no active subscription")))

	n, err := q.DeadLetterLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestQueue_PushAssignsReference(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	msg := &UsageMessage{AccountID: 1, Source: "tokens", Tokens: 5}
	require.NoError(t, NewQueue(client, "test_ref").Push(context.Background(), msg))
	assert.NotEmpty(t, msg.ReferenceID)
}

func TestQueue_ReserveAck(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := NewQueue(client, "test_reserve")
	require.NoError(t, q.Push(ctx, &UsageMessage{AccountID: 7, ReferenceID: "evt-7"}))

	msg, err := q.Reserve(ctx, "w:1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "evt-7", msg.ReferenceID)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = q.ProcessingLength(ctx, "w:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, q.Ack(ctx, "w:1", msg))
	n, err = q.ProcessingLength(ctx, "w:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestQueue_RequeueIsNextReserved(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := NewQueue(client, "test_requeue")
	for i := 1; i <= 2; i++ {
		require.NoError(t, q.Push(ctx, &UsageMessage{AccountID: int64(i)}))
	}

	first, err := q.Reserve(ctx, "w:1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, q.Requeue(ctx, "w:1", first))

	n, err := q.ProcessingLength(ctx, "w:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	again, err := q.Reserve(ctx, "w:1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, int64(1), again.AccountID)
	assert.Equal(t, first.ReferenceID, again.ReferenceID)
}

func TestQueue_RequeueUnreserved(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	err := NewQueue(client, "test_unreserved").Requeue(context.Background(), "w:1", &UsageMessage{ReferenceID: "x"})
	assert.Error(t, err)
}

func TestQueue_Restore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	q := NewQueue(client, "test_restore")
	for i := 1; i <= 2; i++ {
		require.NoError(t, q.Push(ctx, &UsageMessage{AccountID: int64(i)}))
		_, err := q.Reserve(ctx, "w:1", time.Second)
		require.NoError(t, err)
	}
	// 其它 consumer 的 processing 列表不受影响
	require.NoError(t, q.Push(ctx, &UsageMessage{AccountID: 3}))
	_, err := q.Reserve(ctx, "w:2", time.Second)
	require.NoError(t, err)

	restored, err := q.Restore(ctx, "w:1")
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = q.ProcessingLength(ctx, "w:2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// 恢复后保持原先顺序
	msg, err := q.Reserve(ctx, "w:1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, int64(1), msg.AccountID)
}
