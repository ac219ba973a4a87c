package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/qs3c/chat_billing_server/internal/pkg/response"
	"github.com/qs3c/chat_billing_server/internal/service"
)

const QuotaDecisionKey = "quotaDecision"

// QuotaChecker 配额预检
type QuotaChecker interface {
	Check(accountID int64) (*service.QuotaDecision, error)
}

// QuotaCheck 配额预检中间件，只提前拒绝，不预留额度
func QuotaCheck(checker QuotaChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := GetAccountID(c)
		if !ok {
			response.AuthError(c, "")
			c.Abort()
			return
		}

		decision, err := checker.Check(accountID)
		if err != nil {
			log.Error().Err(err).Int64("account_id", accountID).Msg("quota check failed")
			response.ServerError(c, "配额检查失败")
			c.Abort()
			return
		}

		if !decision.Allowed {
			if decision.ReasonCode == service.ReasonBalanceDepleted {
				response.QuotaError(c, decision.Reason, decision)
			} else {
				response.ErrorWithData(c, response.CodeNoSubscription, decision.Reason, decision)
			}
			c.Abort()
			return
		}

		c.Set(QuotaDecisionKey, decision)
		c.Next()
	}
}

// GetQuotaDecision 获取预检结果
func GetQuotaDecision(c *gin.Context) (*service.QuotaDecision, bool) {
	v, exists := c.Get(QuotaDecisionKey)
	if !exists {
		return nil, false
	}
	decision, ok := v.(*service.QuotaDecision)
	return decision, ok
}
