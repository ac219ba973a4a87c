package api

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/chat_billing_server/config"
	"github.com/qs3c/chat_billing_server/internal/api/handler"
	"github.com/qs3c/chat_billing_server/internal/api/middleware"
	"github.com/qs3c/chat_billing_server/internal/pkg/metrics"
	"github.com/qs3c/chat_billing_server/internal/pkg/response"
)

type Router struct {
	balanceHandler      *handler.BalanceHandler
	quotaHandler        *handler.QuotaHandler
	usageHandler        *handler.UsageHandler
	subscriptionHandler *handler.SubscriptionHandler
	internalHandler     *handler.InternalHandler
	websocketHandler    *handler.WebSocketHandler
	quotaChecker        middleware.QuotaChecker
	cfg                 *config.Config
}

func NewRouter(
	balanceHandler *handler.BalanceHandler,
	quotaHandler *handler.QuotaHandler,
	usageHandler *handler.UsageHandler,
	subscriptionHandler *handler.SubscriptionHandler,
	internalHandler *handler.InternalHandler,
	websocketHandler *handler.WebSocketHandler,
	quotaChecker middleware.QuotaChecker,
	cfg *config.Config,
) *Router {
	return &Router{
		balanceHandler:      balanceHandler,
		quotaHandler:        quotaHandler,
		usageHandler:        usageHandler,
		subscriptionHandler: subscriptionHandler,
		internalHandler:     internalHandler,
		websocketHandler:    websocketHandler,
		quotaChecker:        quotaChecker,
		cfg:                 cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.CORS(r.cfg.CORS))

	engine.GET("/healthz", func(c *gin.Context) {
		response.Success(c, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := engine.Group("/api/v1")
	{
		// WebSocket
		api.GET("/ws", r.websocketHandler.Handle)

		authenticated := api.Group("")
		authenticated.Use(middleware.Auth(r.cfg.JWT.Secret))
		{
			authenticated.GET("/balance", r.balanceHandler.GetBalance)
			authenticated.GET("/transactions", r.balanceHandler.ListTransactions)
			authenticated.GET("/quota", r.quotaHandler.GetQuota)
			// 发起计量工作前的预检；用量上报记录的是已完成的工作，只由入账逻辑判定
			authenticated.POST("/quota/authorize", middleware.QuotaCheck(r.quotaChecker), r.quotaHandler.Authorize)
			authenticated.POST("/usage", r.usageHandler.Record)

			subscription := authenticated.Group("/subscription")
			{
				subscription.GET("", r.subscriptionHandler.Get)
				subscription.POST("/cancel", r.subscriptionHandler.Cancel)
			}
		}
	}

	// 支付后端与运维使用
	internal := engine.Group("/internal")
	internal.Use(middleware.InternalAuth(r.cfg.Internal.Secret))
	{
		internal.POST("/payments/activate", r.internalHandler.ActivatePayment)
		internal.POST("/accounts", r.internalHandler.CreateAccount)
		internal.POST("/ledger/credit", r.internalHandler.Credit)
		internal.POST("/ledger/reset", r.internalHandler.Reset)
	}

	return engine
}
