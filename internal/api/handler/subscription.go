package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/chat_billing_server/internal/api/middleware"
	"github.com/qs3c/chat_billing_server/internal/model/dto"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/service"
)

type SubscriptionHandler struct {
	subscriptionService *service.SubscriptionService
}

func NewSubscriptionHandler(subscriptionService *service.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptionService: subscriptionService}
}

// Get 获取当前订阅
// GET /api/v1/subscription
func (h *SubscriptionHandler) Get(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	sub, err := h.subscriptionService.Current(accountID)
	if err != nil {
		if err == service.ErrSubscriptionNotFound {
			response.NoSubscriptionError(c, "")
			return
		}
		writeError(c, err)
		return
	}

	response.Success(c, service.NewSubscriptionSummary(sub))
}

// Cancel 取消订阅
// POST /api/v1/subscription/cancel
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CancelSubscriptionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, err.Error())
			return
		}
	}

	sub, err := h.subscriptionService.Cancel(c.Request.Context(), accountID, !req.Immediately)
	if err != nil {
		if err == service.ErrSubscriptionNotFound {
			response.NoSubscriptionError(c, "")
			return
		}
		writeError(c, err)
		return
	}

	response.SuccessWithMessage(c, "订阅已取消", service.NewSubscriptionSummary(sub))
}
