package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// 远端支付状态
const (
	RemotePending    = "pending"
	RemoteProcessing = "processing"
	RemoteVerifying  = "verifying"
	RemoteActivating = "activating"
	RemoteSucceeded  = "succeeded"
	RemoteFailed     = "failed"
	RemoteExpired    = "expired"
)

var (
	ErrTrialAlreadyUsed = errors.New("trial already used")
	ErrRateLimited      = errors.New("payment status rate limited")
)

// StatusError 非 2xx 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment api returned %d: %s", e.Code, e.Body)
}

// Intent 支付意图
type Intent struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt Timestamp `json:"expiresAt"`
}

// PaymentStatus 支付状态查询结果
type PaymentStatus struct {
	Status        string `json:"status"`
	HasActivity   bool   `json:"hasActivity"`
	FailureReason string `json:"failureReason,omitempty"`
}

// Terminal 是否为终态
func (p *PaymentStatus) Terminal() bool {
	switch p.Status {
	case RemoteSucceeded, RemoteFailed, RemoteExpired:
		return true
	}
	return false
}

// PaymentAPI 支付意图服务
type PaymentAPI interface {
	CreateIntent(ctx context.Context, planName string) (*Intent, error)
	CreateTrialIntent(ctx context.Context, planName string) (*Intent, error)
	Status(ctx context.Context, sessionID string) (*PaymentStatus, error)
}

// Timestamp 兼容 RFC3339 字符串与毫秒时间戳两种格式
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms)
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("invalid timestamp %s", string(data))
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339))
}
