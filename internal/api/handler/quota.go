package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/chat_billing_server/internal/api/middleware"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/service"
)

type QuotaHandler struct {
	quotaService *service.QuotaService
}

func NewQuotaHandler(quotaService *service.QuotaService) *QuotaHandler {
	return &QuotaHandler{
		quotaService: quotaService,
	}
}

// GetQuota 预检当前账户能否发起计量工作，拒绝时同样返回 success 和原因
// GET /api/v1/quota
func (h *QuotaHandler) GetQuota(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	decision, err := h.quotaService.Check(accountID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, decision)
}

// Authorize 通过 QuotaCheck 后返回预检结果，拒绝由中间件以错误码返回
// POST /api/v1/quota/authorize
func (h *QuotaHandler) Authorize(c *gin.Context) {
	decision, ok := middleware.GetQuotaDecision(c)
	if !ok {
		response.ServerError(c, "")
		return
	}
	response.Success(c, decision)
}
