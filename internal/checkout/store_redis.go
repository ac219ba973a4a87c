package checkout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const sessionKeyPrefix = "checkout:session:"

// RedisStore 按账户保存会话，供多个客户端进程共享
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client, accountID int64) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		key: sessionKeyPrefix + strconv.FormatInt(accountID, 10),
	}
}

func (r *RedisStore) Load(ctx context.Context) (*Session, error) {
	fields, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 || fields["session_id"] == "" {
		return nil, nil
	}

	s := &Session{
		ID:           fields["session_id"],
		PlanName:     fields["plan_name"],
		WidgetOpened: fields["widget_opened"] == "1",
	}
	if ms, err := strconv.ParseInt(fields["expires_at"], 10, 64); err == nil && ms > 0 {
		s.ExpiresAt = time.UnixMilli(ms)
	}
	return s, nil
}

// Save 整体覆盖四个字段，并在会话过期后自动删除
func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	opened := "0"
	if s.WidgetOpened {
		opened = "1"
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			"session_id", s.ID,
			"expires_at", strconv.FormatInt(s.ExpiresAt.UnixMilli(), 10),
			"plan_name", s.PlanName,
			"widget_opened", opened,
		)
		if !s.ExpiresAt.IsZero() {
			pipe.ExpireAt(ctx, r.key, s.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return r.rdb.Del(ctx, r.key).Err()
}
