package router

import (
	"github.com/dujiao-next/transaction/internal/config"
	txhandlers "github.com/dujiao-next/transaction/internal/http/handlers/transaction"
	"github.com/dujiao-next/transaction/internal/logger"
	"github.com/dujiao-next/transaction/internal/provider"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(cfg *config.Config, c *provider.Container) *gin.Engine {
	log := logger.L
	if log == nil {
		log = logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	}
	r := gin.New()

	handler := txhandlers.New(c)
	queryRule := RateLimitRule{
		Prefix:        "query",
		WindowSeconds: cfg.Security.QueryRateLimit.WindowSeconds,
		MaxRequests:   cfg.Security.QueryRateLimit.MaxRequests,
	}

	// 中间件
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(log))
	r.Use(c.Metrics.Middleware())
	r.Use(CORSMiddleware(cfg.CORS))

	// 网关回调与浏览器跳转
	transaction := r.Group("/transaction")
	{
		transaction.POST("/notify/charge/:channel", handler.NotifyCharge)
		transaction.POST("/notify/refund/:channel", handler.NotifyRefund)
		transaction.POST("/notify/transfer/:channel", handler.NotifyTransfer)
		transaction.GET("/callback/charge/:channel", handler.CallbackCharge)
		transaction.POST("/callback/charge/:channel", handler.CallbackCharge)
		transaction.GET("/success/charge/:id", handler.SuccessCharge)
		transaction.GET("/charge/:id", RateLimitMiddleware(queryRule, KeyByIP), handler.QueryCharge)
	}

	// 运营接口
	apiV1 := r.Group("/api/v1")
	apiV1.Use(JWTAuthMiddleware(cfg.Security.APIJWT))
	{
		apiV1.POST("/charges", handler.CreateCharge)
		apiV1.GET("/charges", handler.ListCharges)
		apiV1.GET("/charges/:id", handler.GetCharge)
		apiV1.POST("/charges/:id/pay", handler.PrepayCharge)
		apiV1.POST("/charges/:id/refund", handler.RefundCharge)
		apiV1.POST("/charges/:id/close", handler.CloseCharge)
		apiV1.GET("/charges/:id/refunds", handler.ListChargeRefunds)
		apiV1.GET("/refunds/:id", handler.GetRefund)

		apiV1.POST("/transfers", handler.CreateTransfer)
		apiV1.GET("/transfers", handler.ListTransfers)
		apiV1.GET("/transfers/:id", handler.GetTransfer)
	}

	r.GET("/metrics", gin.WrapH(c.Metrics.Handler()))

	// 健康检查
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
