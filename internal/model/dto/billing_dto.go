package dto

import "time"

// BalanceResponse 余额
type BalanceResponse struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
	Balance   int64  `json:"balance"`
}

// TransactionItem 流水条目
type TransactionItem struct {
	ID            int64                  `json:"id"`
	Kind          string                 `json:"kind"`
	Amount        int64                  `json:"amount"`
	BalanceBefore int64                  `json:"balance_before"`
	BalanceAfter  int64                  `json:"balance_after"`
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     string                 `json:"created_at"`
}

// ListTransactionsQuery 流水分页参数
type ListTransactionsQuery struct {
	Page     int `form:"page" binding:"omitempty,min=1"`
	PageSize int `form:"page_size" binding:"omitempty,min=1,max=100"`
}

// RecordUsageRequest 上报用量
type RecordUsageRequest struct {
	Source       string                 `json:"source" binding:"omitempty,oneof=text image search tokens"`
	Model        string                 `json:"model" binding:"omitempty,max=100"`
	InputTokens  int64                  `json:"input_tokens" binding:"min=0"`
	OutputTokens int64                  `json:"output_tokens" binding:"min=0"`
	Count        int64                  `json:"count" binding:"min=0"`
	Tokens       int64                  `json:"tokens" binding:"min=0"`
	ReferenceID  string                 `json:"reference_id" binding:"omitempty,max=100"`
	Metadata     map[string]interface{} `json:"metadata"`
	Async        bool                   `json:"async"` // 写入队列由 worker 处理
}

// RecordUsageResponse 用量入账结果
type RecordUsageResponse struct {
	ReferenceID string  `json:"reference_id"`
	Queued      bool    `json:"queued,omitempty"`
	Tokens      int64   `json:"tokens,omitempty"`
	Charged     int64   `json:"charged,omitempty"`
	Partial     bool    `json:"partial,omitempty"`
	Balance     *int64  `json:"balance,omitempty"` // 异步入队时未知
	Cost        float64 `json:"cost,omitempty"`
}

// CancelSubscriptionRequest 取消订阅，默认到期取消
type CancelSubscriptionRequest struct {
	Immediately bool `json:"immediately"`
}

// ActivatePaymentRequest 支付成功后由支付后端调用
type ActivatePaymentRequest struct {
	AccountID        int64  `json:"account_id" binding:"required"`
	PlanName         string `json:"plan_name" binding:"required"`
	PaymentReference string `json:"payment_reference" binding:"required_without=Trial"`
	Trial            bool   `json:"trial"`
}

// ActivatePaymentResponse 开通结果
type ActivatePaymentResponse struct {
	SubscriptionID   int64     `json:"subscription_id"`
	PlanName         string    `json:"plan_name"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
	Balance          int64     `json:"balance"`
	AlreadyApplied   bool      `json:"already_applied,omitempty"`
}

// CreateAccountRequest 创建账户
type CreateAccountRequest struct {
	Email          string `json:"email" binding:"required,email"`
	InitialBalance int64  `json:"initial_balance" binding:"min=0"`
}

// CreditRequest 管理员充值
type CreditRequest struct {
	AccountID   int64  `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,min=1"`
	Reason      string `json:"reason" binding:"required,oneof=payment promotion refund admin"`
	ReferenceID string `json:"reference_id" binding:"omitempty,max=100"`
	Description string `json:"description" binding:"max=255"`
}

// ResetRequest 管理员重置余额
type ResetRequest struct {
	AccountID      int64  `json:"account_id" binding:"required"`
	NewBalance     int64  `json:"new_balance" binding:"min=0"`
	Reason         string `json:"reason" binding:"required,oneof=payment renewal trial admin"`
	ReferenceID    string `json:"reference_id" binding:"omitempty,max=100"`
	PlanName       string `json:"plan_name"`
	SubscriptionID int64  `json:"subscription_id"`
}

// MutationResponse 账本变更结果
type MutationResponse struct {
	Balance       int64 `json:"balance"`
	BalanceBefore int64 `json:"balance_before"`
	TransactionID int64 `json:"transaction_id"`
}
