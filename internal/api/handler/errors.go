package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/repository"
	"github.com/qs3c/chat_billing_server/internal/service"
)

// writeError 将业务错误映射为统一错误码
func writeError(c *gin.Context, err error) {
	var insufficient *repository.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		response.InsufficientBalanceError(c, err.Error(), gin.H{
			"balance":   insufficient.Current,
			"requested": insufficient.Requested,
		})
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrSubscriptionNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrNoActiveSubscription):
		response.NoSubscriptionError(c, err.Error())
	case errors.Is(err, service.ErrTrialAlreadyUsed):
		response.TrialUsedError(c, err.Error())
	case errors.Is(err, repository.ErrDuplicateReference),
		errors.Is(err, service.ErrPaymentAlreadyApplied),
		errors.Is(err, service.ErrAccountExists):
		response.DuplicateError(c, err.Error())
	case errors.Is(err, repository.ErrInvalidAmount),
		errors.Is(err, repository.ErrNegativeBalance),
		errors.Is(err, service.ErrMissingReference),
		errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, service.ErrEmptyUsage),
		errors.Is(err, service.ErrInvalidUsage),
		errors.Is(err, service.ErrUnknownSource),
		errors.Is(err, service.ErrUnknownPlan),
		errors.Is(err, service.ErrTrialNotOffered),
		errors.Is(err, service.ErrMissingPaymentReference):
		response.ParamError(c, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		response.ServerError(c, "")
	}
}
