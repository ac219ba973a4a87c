package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/internal/model"
)

var fixtureSeq atomic.Int64

// TestAccount 创建测试账户
//
// WithBalance 直接写入余额，不产生流水；需要校验流水回放的用例应通过账本操作充值。
func TestAccount(t *testing.T, db *gorm.DB, opts ...func(*model.Account)) *model.Account {
	t.Helper()

	account := &model.Account{
		Email: fmt.Sprintf("test_%d_%d@example.com", time.Now().UnixNano(), fixtureSeq.Add(1)),
	}

	for _, opt := range opts {
		opt(account)
	}

	if err := db.Create(account).Error; err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}

	return account
}

// WithEmail 设置邮箱
func WithEmail(email string) func(*model.Account) {
	return func(a *model.Account) {
		a.Email = email
	}
}

// WithBalance 设置余额
func WithBalance(balance int64) func(*model.Account) {
	return func(a *model.Account) {
		a.Balance = balance
	}
}

// TestSubscription 创建测试订阅，默认为当前有效的月度 basic 订阅
func TestSubscription(t *testing.T, db *gorm.DB, accountID int64, opts ...func(*model.Subscription)) *model.Subscription {
	t.Helper()

	now := time.Now()
	sub := &model.Subscription{
		AccountID:          accountID,
		PlanName:           "basic",
		PeriodType:         "month",
		PeriodCount:        1,
		CurrentPeriodStart: now.Add(-24 * time.Hour),
		CurrentPeriodEnd:   now.Add(29 * 24 * time.Hour),
		Status:             model.SubscriptionActive,
	}

	for _, opt := range opts {
		opt(sub)
	}

	if err := db.Create(sub).Error; err != nil {
		t.Fatalf("Failed to create test subscription: %v", err)
	}

	return sub
}

// WithPlan 设置套餐
func WithPlan(plan string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.PlanName = plan
	}
}

// WithStatus 设置订阅状态
func WithStatus(status string) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.Status = status
	}
}

// WithPeriod 设置当前周期
func WithPeriod(start, end time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.CurrentPeriodStart = start
		s.CurrentPeriodEnd = end
	}
}

// WithCancelAtPeriodEnd 设置到期取消
func WithCancelAtPeriodEnd() func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.CancelAtPeriodEnd = true
	}
}

// WithTrial 设置为试用订阅
func WithTrial(trialEnd time.Time) func(*model.Subscription) {
	return func(s *model.Subscription) {
		s.TrialEnd = &trialEnd
	}
}

// Expired 当前周期已于一小时前结束
func Expired() func(*model.Subscription) {
	return func(s *model.Subscription) {
		now := time.Now()
		s.CurrentPeriodStart = now.Add(-31 * 24 * time.Hour)
		s.CurrentPeriodEnd = now.Add(-time.Hour)
	}
}
