package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/internal/model"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create 创建订阅，同一事务内先取消该账户已有的 active 订阅
func (r *SubscriptionRepository) Create(ctx context.Context, sub *model.Subscription) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		err := tx.Model(&model.Subscription{}).
			Where("account_id = ? AND status = ?", sub.AccountID, model.SubscriptionActive).
			Updates(map[string]interface{}{
				"status":       model.SubscriptionCancelled,
				"cancelled_at": now,
			}).Error
		if err != nil {
			return err
		}
		return tx.Create(sub).Error
	})
}

func (r *SubscriptionRepository) GetByID(id int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.Where("id = ?", id).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetLatest 获取账户最近创建的订阅
func (r *SubscriptionRepository) GetLatest(accountID int64) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.Where("account_id = ?", accountID).Order("id DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetCurrent 获取 active 且周期未结束的订阅
func (r *SubscriptionRepository) GetCurrent(accountID int64, now time.Time) (*model.Subscription, error) {
	var sub model.Subscription
	err := r.db.Where("account_id = ? AND status = ? AND current_period_end > ?", accountID, model.SubscriptionActive, now).
		Order("current_period_end DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListDue 获取周期已结束、待续期的 active 订阅
func (r *SubscriptionRepository) ListDue(now time.Time, limit int) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := r.db.Where("status = ? AND current_period_end <= ?", model.SubscriptionActive, now).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// HasUsedTrial 账户是否使用过试用
func (r *SubscriptionRepository) HasUsedTrial(accountID int64) (bool, error) {
	var count int64
	err := r.db.Model(&model.Subscription{}).
		Where("account_id = ? AND trial_end IS NOT NULL", accountID).
		Count(&count).Error
	return count > 0, err
}

func (r *SubscriptionRepository) Update(sub *model.Subscription) error {
	return r.db.Save(sub).Error
}
