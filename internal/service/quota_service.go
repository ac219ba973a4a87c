package service

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/repository"
)

// 配额拒绝原因
const (
	ReasonNoSubscription      = "no_active_subscription"
	ReasonSubscriptionExpired = "subscription_expired"
	ReasonBalanceDepleted     = "balance_depleted"
)

var reasonMessages = map[string]string{
	ReasonNoSubscription:      "no active subscription",
	ReasonSubscriptionExpired: "subscription expired",
	ReasonBalanceDepleted:     "balance depleted",
}

// QuotaDecision 预检结果，不预留额度
type QuotaDecision struct {
	Allowed      bool                 `json:"allowed"`
	Balance      int64                `json:"balance"`
	Reason       string               `json:"reason,omitempty"`
	ReasonCode   string               `json:"reason_code,omitempty"`
	ResetAt      *time.Time           `json:"reset_at,omitempty"`
	Subscription *SubscriptionSummary `json:"subscription,omitempty"`
}

type QuotaService struct {
	accounts *repository.AccountRepository
	subs     *repository.SubscriptionRepository
	metrics  *metrics.BillingMetrics
	now      func() time.Time
}

func NewQuotaService(accounts *repository.AccountRepository, subs *repository.SubscriptionRepository, m *metrics.BillingMetrics) *QuotaService {
	return &QuotaService{
		accounts: accounts,
		subs:     subs,
		metrics:  m,
		now:      time.Now,
	}
}

// Check 组合订阅状态与当前余额给出放行/拒绝
func (s *QuotaService) Check(accountID int64) (*QuotaDecision, error) {
	account, err := s.accounts.GetByID(accountID)
	if err != nil {
		return nil, err
	}

	decision, err := s.decide(account, s.now())
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		reason := decision.ReasonCode
		if decision.Allowed {
			reason = "allowed"
		}
		s.metrics.RecordQuotaDecision(decision.Allowed, reason)
	}
	return decision, nil
}

func (s *QuotaService) decide(account *model.Account, now time.Time) (*QuotaDecision, error) {
	decision := &QuotaDecision{Balance: account.Balance}

	current, err := s.subs.GetCurrent(account.ID, now)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if current == nil {
		latest, err := s.subs.GetLatest(account.ID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		// 最近一次订阅的周期已过，区分于从未订阅或被立即取消
		if latest != nil && !latest.CurrentPeriodEnd.After(now) {
			decision.deny(ReasonSubscriptionExpired)
			decision.Subscription = NewSubscriptionSummary(latest)
			return decision, nil
		}
		decision.deny(ReasonNoSubscription)
		return decision, nil
	}

	decision.Subscription = NewSubscriptionSummary(current)
	if account.Balance <= 0 {
		decision.deny(ReasonBalanceDepleted)
		resetAt := current.CurrentPeriodEnd
		decision.ResetAt = &resetAt
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

func (d *QuotaDecision) deny(code string) {
	d.Allowed = false
	d.ReasonCode = code
	d.Reason = reasonMessages[code]
}
