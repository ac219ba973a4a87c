package repository

import (
	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/internal/model"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) GetByID(id int64) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.Where("id = ?", id).First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetByReference 按引用查找流水
func (r *TransactionRepository) GetByReference(refType, refID string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.Where("reference_type = ? AND reference_id = ?", refType, refID).First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListByAccount 分页获取账户流水（最新在前）
func (r *TransactionRepository) ListByAccount(accountID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var txns []*model.Transaction
	var total int64

	query := r.db.Model(&model.Transaction{}).Where("account_id = ?", accountID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("id DESC").Offset(offset).Limit(pageSize).Find(&txns).Error
	return txns, total, err
}

// ListForReplay 按提交顺序获取账户全部流水
func (r *TransactionRepository) ListForReplay(accountID int64) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.Where("account_id = ?", accountID).Order("id ASC").Find(&txns).Error
	return txns, err
}
