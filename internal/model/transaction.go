package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TransactionDebit  = "debit"
	TransactionCredit = "credit"
	TransactionReset  = "reset"
)

// 引用类型，指向账本变动的原因
const (
	ReferenceUsage     = "usage"
	ReferencePayment   = "payment"
	ReferenceTrial     = "trial"
	ReferenceRenewal   = "renewal"
	ReferenceAdmin     = "admin"
	ReferencePromotion = "promotion"
	ReferenceRefund    = "refund"
)

// Transaction 账本流水，写入后不可修改
//
// Amount 对 debit/credit 为实际变动量（正数），对 reset 为重置后的余额。
// (reference_type, reference_id) 唯一，用于幂等。
type Transaction struct {
	ID            int64             `gorm:"primaryKey" json:"id"`
	AccountID     int64             `gorm:"not null;index:idx_account_created,priority:1" json:"account_id"`
	Kind          string            `gorm:"size:10;not null" json:"kind"`
	Amount        int64             `gorm:"not null" json:"amount"`
	BalanceBefore int64             `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64             `gorm:"not null" json:"balance_after"`
	ReferenceType string            `gorm:"size:30;not null;uniqueIndex:idx_reference,priority:1" json:"reference_type"`
	ReferenceID   *string           `gorm:"size:100;uniqueIndex:idx_reference,priority:2" json:"reference_id,omitempty"`
	Description   string            `gorm:"size:500" json:"description,omitempty"`
	Metadata      datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"index:idx_account_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}
