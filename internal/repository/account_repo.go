package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/qs3c/chat_billing_server/internal/model"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrNegativeBalance    = errors.New("balance cannot be negative")
	ErrDuplicateReference = errors.New("ledger reference already recorded")
	ErrConcurrentUpdate   = errors.New("balance changed concurrently, debit not applied")
)

// InsufficientBalanceError 余额已为零时扣减失败
type InsufficientBalanceError struct {
	Current   int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: current %d, requested %d", e.Current, e.Requested)
}

// Entry 一次账本操作的参数。Reset 时 Amount 为目标余额
type Entry struct {
	AccountID     int64
	Amount        int64
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]interface{}
}

type MutationResult struct {
	NewBalance    int64 `json:"new_balance"`
	BalanceBefore int64 `json:"balance_before"`
	TransactionID int64 `json:"transaction_id"`
}

type DebitResult struct {
	MutationResult
	Requested int64 `json:"requested"`
	Charged   int64 `json:"charged"`
	Partial   bool  `json:"partial"`
}

// 部分扣减的 CAS 在并发写入下的最大重试次数
const maxDebitAttempts = 5

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(account *model.Account) error {
	return r.db.Create(account).Error
}

func (r *AccountRepository) GetByID(id int64) (*model.Account, error) {
	var account model.Account
	err := r.db.Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByEmail(email string) (*model.Account, error) {
	var account model.Account
	err := r.db.Where("email = ?", email).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Debit 扣减余额
//
// 余额充足时通过条件更新 balance = balance - ? WHERE balance >= ? 原子扣减；
// 余额不足但大于零时清零并记录实际扣减量（部分扣减）；余额为零返回 InsufficientBalanceError，不写流水。
func (r *AccountRepository) Debit(ctx context.Context, e Entry) (*DebitResult, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *DebitResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < maxDebitAttempts; attempt++ {
			res := tx.Model(&model.Account{}).
				Where("id = ? AND balance >= ?", e.AccountID, e.Amount).
				Update("balance", gorm.Expr("balance - ?", e.Amount))
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 1 {
				after, err := lockedBalance(tx, e.AccountID)
				if err != nil {
					return err
				}
				before := after + e.Amount
				txn, err := insertTransaction(tx, e, model.TransactionDebit, e.Amount, before, after, e.Description, nil)
				if err != nil {
					return err
				}
				result = &DebitResult{
					MutationResult: MutationResult{NewBalance: after, BalanceBefore: before, TransactionID: txn.ID},
					Requested:      e.Amount,
					Charged:        e.Amount,
				}
				return nil
			}

			available, err := lockedBalance(tx, e.AccountID)
			if err != nil {
				return err
			}
			if available <= 0 {
				return &InsufficientBalanceError{Current: available, Requested: e.Amount}
			}
			if available >= e.Amount {
				// 两次读取之间被充值，重新走完整扣减
				continue
			}

			res = tx.Model(&model.Account{}).
				Where("id = ? AND balance = ?", e.AccountID, available).
				Update("balance", 0)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}

			desc := fmt.Sprintf("partial debit: requested %d, available %d", e.Amount, available)
			if e.Description != "" {
				desc = desc + "; " + e.Description
			}
			extra := map[string]interface{}{
				"requested": e.Amount,
				"available": available,
				"partial":   true,
			}
			txn, err := insertTransaction(tx, e, model.TransactionDebit, available, available, 0, desc, extra)
			if err != nil {
				return err
			}
			result = &DebitResult{
				MutationResult: MutationResult{NewBalance: 0, BalanceBefore: available, TransactionID: txn.ID},
				Requested:      e.Amount,
				Charged:        available,
				Partial:        true,
			}
			return nil
		}
		return ErrConcurrentUpdate
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Credit 增加余额
func (r *AccountRepository) Credit(ctx context.Context, e Entry) (*MutationResult, error) {
	if e.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return r.apply(ctx, e, model.TransactionCredit, func(before int64) int64 {
		return before + e.Amount
	})
}

// Reset 将余额替换为 e.Amount（非累加）
func (r *AccountRepository) Reset(ctx context.Context, e Entry) (*MutationResult, error) {
	if e.Amount < 0 {
		return nil, ErrNegativeBalance
	}
	return r.apply(ctx, e, model.TransactionReset, func(int64) int64 {
		return e.Amount
	})
}

func (r *AccountRepository) apply(ctx context.Context, e Entry, kind string, next func(before int64) int64) (*MutationResult, error) {
	var result *MutationResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := lockedBalance(tx, e.AccountID)
		if err != nil {
			return err
		}

		after := next(before)
		if after < 0 {
			return ErrNegativeBalance
		}

		if err := tx.Model(&model.Account{}).Where("id = ?", e.AccountID).Update("balance", after).Error; err != nil {
			return err
		}

		txn, err := insertTransaction(tx, e, kind, e.Amount, before, after, e.Description, nil)
		if err != nil {
			return err
		}

		result = &MutationResult{NewBalance: after, BalanceBefore: before, TransactionID: txn.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockedBalance 读取当前余额并加行锁（SQLite 忽略锁子句）
func lockedBalance(tx *gorm.DB, accountID int64) (int64, error) {
	var account model.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "balance").
		Where("id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return account.Balance, nil
}

func insertTransaction(tx *gorm.DB, e Entry, kind string, amount, before, after int64, desc string, extra map[string]interface{}) (*model.Transaction, error) {
	meta := datatypes.JSONMap{}
	for k, v := range e.Metadata {
		meta[k] = v
	}
	for k, v := range extra {
		meta[k] = v
	}
	meta["balance_before"] = before

	txn := &model.Transaction{
		AccountID:     e.AccountID,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceType: e.ReferenceType,
		Description:   desc,
		Metadata:      meta,
	}
	if e.ReferenceID != "" {
		refID := e.ReferenceID
		txn.ReferenceID = &refID
	}

	if err := tx.Create(txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}
	return txn, nil
}
