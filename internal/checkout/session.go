package checkout

import (
	"context"
	"sync"
	"time"
)

// Session 客户端持久化的支付会话，四个字段总是整体写入、整体清除
type Session struct {
	ID           string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	PlanName     string    `json:"plan_name"`
	WidgetOpened bool      `json:"widget_opened"`
}

// Expired 会话是否已过期；未设置过期时间的会话不会过期
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionStore 会话存储。Load 在没有会话时返回 nil, nil
type SessionStore interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

// MemoryStore 进程内存储，用于测试和不需要跨进程恢复的场景
type MemoryStore struct {
	mu      sync.Mutex
	session *Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	s := *m.session
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *s
	m.session = &copied
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}
