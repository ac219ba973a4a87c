package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误码定义
const (
	CodeSuccess             = 0
	CodeParamError          = 1000
	CodeAuthFailed          = 1001
	CodePermissionDenied    = 1002
	CodeResourceNotFound    = 1003
	CodeQuotaExceeded       = 1004
	CodeDuplicateAction     = 1005
	CodeInsufficientBalance = 1006
	CodeNoSubscription      = 1007
	CodeTrialUsed           = 1008
	CodeServerError         = 5000
)

// 错误码对应的默认消息
var codeMessages = map[int]string{
	CodeSuccess:             "success",
	CodeParamError:          "参数错误",
	CodeAuthFailed:          "认证失败",
	CodePermissionDenied:    "权限不足",
	CodeResourceNotFound:    "资源不存在",
	CodeQuotaExceeded:       "配额不足",
	CodeDuplicateAction:     "重复操作",
	CodeInsufficientBalance: "余额不足",
	CodeNoSubscription:      "没有有效的订阅",
	CodeTrialUsed:           "试用已使用",
	CodeServerError:         "服务器内部错误",
}

// Response 统一响应结构，HTTP 状态码始终为 200
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// PageData 分页数据结构
type PageData struct {
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Items    interface{} `json:"items"`
}

// Message 返回错误码的默认消息
func Message(code int) string {
	return codeMessages[code]
}

func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, codeMessages[CodeSuccess], data)
}

func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

// SuccessPage 分页成功响应
func SuccessPage(c *gin.Context, total int64, page, pageSize int, items interface{}) {
	Success(c, PageData{
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		Items:    items,
	})
}

// Error 错误响应，message 为空时使用默认消息
func Error(c *gin.Context, code int, message string) {
	ErrorWithData(c, code, message, nil)
}

// ErrorWithData 附带数据的错误响应，例如配额拒绝时返回当前余额
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	if message == "" {
		message = codeMessages[code]
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func AuthError(c *gin.Context, message string) {
	Error(c, CodeAuthFailed, message)
}

func PermissionError(c *gin.Context, message string) {
	Error(c, CodePermissionDenied, message)
}

func NotFoundError(c *gin.Context, message string) {
	Error(c, CodeResourceNotFound, message)
}

func QuotaError(c *gin.Context, message string, data interface{}) {
	ErrorWithData(c, CodeQuotaExceeded, message, data)
}

func DuplicateError(c *gin.Context, message string) {
	Error(c, CodeDuplicateAction, message)
}

func InsufficientBalanceError(c *gin.Context, message string, data interface{}) {
	ErrorWithData(c, CodeInsufficientBalance, message, data)
}

func NoSubscriptionError(c *gin.Context, message string) {
	Error(c, CodeNoSubscription, message)
}

func TrialUsedError(c *gin.Context, message string) {
	Error(c, CodeTrialUsed, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}
