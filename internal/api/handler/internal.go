package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/model/dto"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
)

// InternalHandler 支付后端与运维使用的内部接口
type InternalHandler struct {
	ledger              *service.LedgerService
	subscriptionService *service.SubscriptionService
	txns                *repository.TransactionRepository
}

func NewInternalHandler(
	ledger *service.LedgerService,
	subscriptionService *service.SubscriptionService,
	txns *repository.TransactionRepository,
) *InternalHandler {
	return &InternalHandler{
		ledger:              ledger,
		subscriptionService: subscriptionService,
		txns:                txns,
	}
}

// ActivatePayment 支付成功后开通套餐；同一支付引用重复回调视为成功
// POST /internal/payments/activate
func (h *InternalHandler) ActivatePayment(c *gin.Context) {
	var req dto.ActivatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	result, err := h.subscriptionService.Activate(c.Request.Context(), service.ActivateRequest{
		AccountID:        req.AccountID,
		PlanName:         req.PlanName,
		Trial:            req.Trial,
		PaymentReference: req.PaymentReference,
	})
	if errors.Is(err, service.ErrPaymentAlreadyApplied) {
		h.alreadyApplied(c, req)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, dto.ActivatePaymentResponse{
		SubscriptionID:   result.Subscription.ID,
		PlanName:         result.Subscription.PlanName,
		CurrentPeriodEnd: result.Subscription.CurrentPeriodEnd,
		Balance:          result.Balance.NewBalance,
	})
}

func (h *InternalHandler) alreadyApplied(c *gin.Context, req dto.ActivatePaymentRequest) {
	log.Info().Int64("account_id", req.AccountID).Str("payment_reference", req.PaymentReference).
		Msg("payment already applied, acknowledging")

	resp := dto.ActivatePaymentResponse{AlreadyApplied: true}
	if txn, err := h.txns.GetByReference(model.ReferencePayment, req.PaymentReference); err == nil {
		resp.Balance = txn.BalanceAfter
		resp.PlanName, _ = txn.Metadata["plan_name"].(string)
	}
	if sub, err := h.subscriptionService.Current(req.AccountID); err == nil {
		resp.SubscriptionID = sub.ID
		resp.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	response.Success(c, resp)
}

// CreateAccount 创建账户
// POST /internal/accounts
func (h *InternalHandler) CreateAccount(c *gin.Context) {
	var req dto.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	account, err := h.ledger.CreateAccount(c.Request.Context(), req.Email, req.InitialBalance)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, dto.BalanceResponse{
		AccountID: account.ID,
		Email:     account.Email,
		Balance:   account.Balance,
	})
}

// Credit 充值、促销、退款
// POST /internal/ledger/credit
func (h *InternalHandler) Credit(c *gin.Context) {
	var req dto.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	res, err := h.ledger.Credit(c.Request.Context(), service.CreditRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, toMutationResponse(res))
}

// Reset 将余额替换为指定值
// POST /internal/ledger/reset
func (h *InternalHandler) Reset(c *gin.Context) {
	var req dto.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	res, err := h.ledger.Reset(c.Request.Context(), service.ResetRequest{
		AccountID:      req.AccountID,
		NewBalance:     req.NewBalance,
		Reason:         req.Reason,
		ReferenceID:    req.ReferenceID,
		PlanName:       req.PlanName,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, toMutationResponse(res))
}

func toMutationResponse(res *repository.MutationResult) dto.MutationResponse {
	return dto.MutationResponse{
		Balance:       res.NewBalance,
		BalanceBefore: res.BalanceBefore,
		TransactionID: res.TransactionID,
	}
}
