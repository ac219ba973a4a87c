package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/chat_billing_server/internal/api/middleware"
	"github.com/qs3c/chat_billing_server/internal/model"
	"github.com/qs3c/chat_billing_server/internal/model/dto"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/service"
)

type BalanceHandler struct {
	ledger *service.LedgerService
}

func NewBalanceHandler(ledger *service.LedgerService) *BalanceHandler {
	return &BalanceHandler{ledger: ledger}
}

// GetBalance 获取当前余额
// GET /api/v1/balance
func (h *BalanceHandler) GetBalance(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	account, err := h.ledger.Balance(accountID)
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

// ListTransactions 分页获取流水
// GET /api/v1/transactions?page=1&page_size=20
func (h *BalanceHandler) ListTransactions(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var query dto.ListTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	if query.Page == 0 {
		query.Page = 1
	}
	if query.PageSize == 0 {
		query.PageSize = 20
	}

	txns, total, err := h.ledger.Transactions(accountID, query.Page, query.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	items := make([]dto.TransactionItem, 0, len(txns))
	for _, txn := range txns {
		items = append(items, toTransactionItem(txn))
	}

	response.SuccessPage(c, total, query.Page, query.PageSize, items)
}

func toTransactionItem(txn *model.Transaction) dto.TransactionItem {
	item := dto.TransactionItem{
		ID:            txn.ID,
		Kind:          txn.Kind,
		Amount:        txn.Amount,
		BalanceBefore: txn.BalanceBefore,
		BalanceAfter:  txn.BalanceAfter,
		ReferenceType: txn.ReferenceType,
		Description:   txn.Description,
		Metadata:      txn.Metadata,
		CreatedAt:     txn.CreatedAt.Format(time.RFC3339),
	}
	if txn.ReferenceID != nil {
		item.ReferenceID = *txn.ReferenceID
	}
	return item
}
