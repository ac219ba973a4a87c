package middleware

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/chat_billing_server/internal/pkg/response"
)

const InternalSecretHeader = "X-Internal-Secret"

// InternalAuth 内部接口共享密钥校验；未配置密钥时拒绝所有请求
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(InternalSecretHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			response.PermissionError(c, "")
			c.Abort()
			return
		}
		c.Next()
	}
}
