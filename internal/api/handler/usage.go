package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/qs3c/chat_billing_server/internal/api/middleware"
	"github.com/qs3c/chat_billing_server/internal/model/dto"
	"github.com/qs3c/chat_billing_server/internal/pkg/queue"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/service"
)

// UsageQueue 异步用量队列
type UsageQueue interface {
	Push(ctx context.Context, msg *queue.UsageMessage) error
}

type UsageHandler struct {
	usageService *service.UsageService
	queue        UsageQueue
}

func NewUsageHandler(usageService *service.UsageService, q UsageQueue) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
		queue:        q,
	}
}

// Record 上报一次已完成的计量工作
// POST /api/v1/usage
func (h *UsageHandler) Record(c *gin.Context) {
	accountID, ok := middleware.GetAccountID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.RecordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	event := service.UsageEvent{
		AccountID:    accountID,
		Source:       req.Source,
		Model:        req.Model,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Count:        req.Count,
		Tokens:       req.Tokens,
		ReferenceID:  req.ReferenceID,
		Metadata:     req.Metadata,
	}

	if req.Async && h.queue != nil {
		h.enqueue(c, event)
		return
	}

	result, err := h.usageService.Record(c.Request.Context(), event)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, dto.RecordUsageResponse{
		ReferenceID: result.ReferenceID,
		Tokens:      result.Tokens,
		Charged:     result.Debit.Charged,
		Partial:     result.Debit.Partial,
		Balance:     &result.Debit.NewBalance,
		Cost:        result.Cost,
	})
}

func (h *UsageHandler) enqueue(c *gin.Context, e service.UsageEvent) {
	// 入队前生成引用，worker 重试时保持幂等
	if e.ReferenceID == "" {
		e.ReferenceID = uuid.NewString()
	}

	err := h.queue.Push(c.Request.Context(), &queue.UsageMessage{
		AccountID:    e.AccountID,
		Source:       e.Source,
		Model:        e.Model,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		Count:        e.Count,
		Tokens:       e.Tokens,
		ReferenceID:  e.ReferenceID,
		Metadata:     e.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, dto.RecordUsageResponse{
		ReferenceID: e.ReferenceID,
		Queued:      true,
	})
}
