package model

import (
	"time"
)

const (
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionPastDue   = "past_due"
)

type Subscription struct {
	ID                 int64      `gorm:"primaryKey" json:"id"`
	AccountID          int64      `gorm:"not null;index" json:"account_id"`
	PlanName           string     `gorm:"size:50;not null" json:"plan_name"`
	PeriodType         string     `gorm:"size:10;not null" json:"period_type"` // day, week, month, year
	PeriodCount        int        `gorm:"not null;default:1" json:"period_count"`
	CurrentPeriodStart time.Time  `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `gorm:"not null;index" json:"current_period_end"`
	Status             string     `gorm:"size:20;default:active;index" json:"status"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	PaymentReference   string     `gorm:"size:100" json:"payment_reference,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// IsCurrent 状态为 active 且当前周期未结束
func (s *Subscription) IsCurrent(now time.Time) bool {
	return s.Status == SubscriptionActive && s.CurrentPeriodEnd.After(now)
}

// IsTrial 是否为试用订阅
func (s *Subscription) IsTrial() bool {
	return s.TrialEnd != nil
}
