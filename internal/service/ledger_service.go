package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/pkg/pubsub"
	"github.com/qs3c/chat_billing_server/internal/repository"
)

var (
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrMissingReference    = errors.New("reference type is required")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// BalanceNotifier 余额变动推送，best-effort
type BalanceNotifier interface {
	PublishBalance(ctx context.Context, msg *pubsub.BalanceMessage) error
}

type DebitRequest struct {
	AccountID     int64
	Amount        int64
	ReferenceType string
	ReferenceID   string
	Description   string
	Metadata      map[string]interface{}
}

type CreditRequest struct {
	AccountID   int64
	Amount      int64
	Reason      string // 充值、促销、退款等，作为流水的 reference_type
	ReferenceID string
	Description string
}

type ResetRequest struct {
	AccountID      int64
	NewBalance     int64
	Reason         string
	ReferenceID    string
	PlanName       string
	SubscriptionID int64
	Description    string
}

// ReplayReport 流水回放结果
type ReplayReport struct {
	AccountID    int64 `json:"account_id"`
	Transactions int   `json:"transactions"`
	Replayed     int64 `json:"replayed_balance"`
	Balance      int64 `json:"balance"`
	Consistent   bool  `json:"consistent"`
	// 第一条 balance_before/balance_after 与回放不符的流水，0 表示没有
	FirstMismatchID int64 `json:"first_mismatch_id,omitempty"`
}

type LedgerService struct {
	accounts *repository.AccountRepository
	txns     *repository.TransactionRepository
	notifier BalanceNotifier
	metrics  *metrics.BillingMetrics
}

func NewLedgerService(
	accounts *repository.AccountRepository,
	txns *repository.TransactionRepository,
	notifier BalanceNotifier,
	m *metrics.BillingMetrics,
) *LedgerService {
	return &LedgerService{
		accounts: accounts,
		txns:     txns,
		notifier: notifier,
		metrics:  m,
	}
}

// CreateAccount 创建账户，initialBalance > 0 时通过一笔 admin 充值入账
func (s *LedgerService) CreateAccount(ctx context.Context, email string, initialBalance int64) (*model.Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	if initialBalance < 0 {
		return nil, repository.ErrNegativeBalance
	}

	account := &model.Account{Email: email}
	if err := s.accounts.Create(account); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAccountExists
		}
		return nil, err
	}

	if initialBalance > 0 {
		res, err := s.Credit(ctx, CreditRequest{
			AccountID:   account.ID,
			Amount:      initialBalance,
			Reason:      model.ReferenceAdmin,
			ReferenceID: fmt.Sprintf("signup:%d", account.ID),
			Description: "initial balance",
		})
		if err != nil {
			return nil, err
		}
		account.Balance = res.NewBalance
	}

	return account, nil
}

// Debit 扣减余额，余额不足时部分扣减至零
func (s *LedgerService) Debit(ctx context.Context, req DebitRequest) (*repository.DebitResult, error) {
	if req.ReferenceType == "" {
		return nil, ErrMissingReference
	}

	res, err := s.accounts.Debit(ctx, repository.Entry{
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.record(model.TransactionDebit, err)
		return nil, err
	}

	if res.Partial {
		if s.metrics != nil {
			s.metrics.RecordLedgerOp(model.TransactionDebit, "partial")
			s.metrics.RecordPartialDebit(req.ReferenceType)
		}
		log.Warn().
			Int64("account_id", req.AccountID).
			Int64("requested", res.Requested).
			Int64("charged", res.Charged).
			Str("reference_type", req.ReferenceType).
			Msg("partial debit, balance exhausted")
	} else {
		s.record(model.TransactionDebit, nil)
	}

	s.notify(ctx, &pubsub.BalanceMessage{
		AccountID:     req.AccountID,
		Kind:          model.TransactionDebit,
		Balance:       res.NewBalance,
		Delta:         -res.Charged,
		TransactionID: res.TransactionID,
		Partial:       res.Partial,
		Reason:        req.ReferenceType,
	})
	return res, nil
}

// Credit 增加余额
func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (*repository.MutationResult, error) {
	if req.Reason == "" {
		return nil, ErrMissingReference
	}

	res, err := s.accounts.Credit(ctx, repository.Entry{
		AccountID:     req.AccountID,
		Amount:        req.Amount,
		ReferenceType: req.Reason,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
	})
	s.record(model.TransactionCredit, err)
	if err != nil {
		return nil, err
	}

	s.notify(ctx, &pubsub.BalanceMessage{
		AccountID:     req.AccountID,
		Kind:          model.TransactionCredit,
		Balance:       res.NewBalance,
		Delta:         req.Amount,
		TransactionID: res.TransactionID,
		Reason:        req.Reason,
	})
	return res, nil
}

// Reset 将余额替换为 NewBalance
func (s *LedgerService) Reset(ctx context.Context, req ResetRequest) (*repository.MutationResult, error) {
	res, err := s.reset(ctx, s.accounts, req)
	s.afterReset(ctx, req, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// reset 在给定仓储（可能绑定外部事务）上执行重置，不做指标和推送
func (s *LedgerService) reset(ctx context.Context, accounts *repository.AccountRepository, req ResetRequest) (*repository.MutationResult, error) {
	if req.Reason == "" {
		return nil, ErrMissingReference
	}

	meta := map[string]interface{}{}
	if req.PlanName != "" {
		meta["plan_name"] = req.PlanName
	}
	if req.SubscriptionID != 0 {
		meta["subscription_id"] = req.SubscriptionID
	}

	return accounts.Reset(ctx, repository.Entry{
		AccountID:     req.AccountID,
		Amount:        req.NewBalance,
		ReferenceType: req.Reason,
		ReferenceID:   req.ReferenceID,
		Description:   req.Description,
		Metadata:      meta,
	})
}

// afterReset 提交后记录指标并推送
func (s *LedgerService) afterReset(ctx context.Context, req ResetRequest, res *repository.MutationResult, err error) {
	s.record(model.TransactionReset, err)
	if err != nil {
		return
	}
	s.notify(ctx, &pubsub.BalanceMessage{
		AccountID:     req.AccountID,
		Kind:          model.TransactionReset,
		Balance:       res.NewBalance,
		Delta:         res.NewBalance - res.BalanceBefore,
		TransactionID: res.TransactionID,
		Reason:        req.Reason,
	})
}

// Balance 获取账户
func (s *LedgerService) Balance(accountID int64) (*model.Account, error) {
	return s.accounts.GetByID(accountID)
}

// AccountByEmail 按邮箱获取账户
func (s *LedgerService) AccountByEmail(email string) (*model.Account, error) {
	return s.accounts.GetByEmail(strings.TrimSpace(strings.ToLower(email)))
}

// Transactions 分页获取流水
func (s *LedgerService) Transactions(accountID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	if _, err := s.accounts.GetByID(accountID); err != nil {
		return nil, 0, err
	}
	return s.txns.ListByAccount(accountID, page, pageSize)
}

// Transaction 按 ID 获取属于该账户的流水
func (s *LedgerService) Transaction(accountID, txnID int64) (*model.Transaction, error) {
	txn, err := s.txns.GetByID(txnID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if txn.AccountID != accountID {
		return nil, ErrTransactionNotFound
	}
	return txn, nil
}

// Replay 从零余额按顺序回放流水，校验与当前余额一致
func (s *LedgerService) Replay(accountID int64) (*ReplayReport, error) {
	account, err := s.accounts.GetByID(accountID)
	if err != nil {
		return nil, err
	}

	txns, err := s.txns.ListForReplay(accountID)
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{
		AccountID:    accountID,
		Transactions: len(txns),
		Balance:      account.Balance,
	}

	var running int64
	for _, txn := range txns {
		if txn.BalanceBefore != running && report.FirstMismatchID == 0 {
			report.FirstMismatchID = txn.ID
		}
		switch txn.Kind {
		case model.TransactionDebit:
			running -= txn.Amount
		case model.TransactionCredit:
			running += txn.Amount
		case model.TransactionReset:
			running = txn.Amount
		default:
			return nil, fmt.Errorf("transaction %d: unknown kind %q", txn.ID, txn.Kind)
		}
		if txn.BalanceAfter != running && report.FirstMismatchID == 0 {
			report.FirstMismatchID = txn.ID
		}
	}

	report.Replayed = running
	report.Consistent = running == account.Balance && report.FirstMismatchID == 0
	return report, nil
}

func (s *LedgerService) record(kind string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordLedgerOp(kind, ledgerOutcome(err))
}

func (s *LedgerService) notify(ctx context.Context, msg *pubsub.BalanceMessage) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishBalance(ctx, msg); err != nil {
		log.Warn().Err(err).Int64("account_id", msg.AccountID).Msg("publish balance update failed")
	}
}

func ledgerOutcome(err error) string {
	var insufficient *repository.InsufficientBalanceError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &insufficient):
		return "insufficient"
	case errors.Is(err, repository.ErrDuplicateReference):
		return "duplicate"
	case errors.Is(err, repository.ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, repository.ErrInvalidAmount), errors.Is(err, repository.ErrNegativeBalance):
		return "invalid"
	default:
		return "error"
	}
}
