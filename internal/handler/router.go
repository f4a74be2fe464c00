package handler

import (
	"coinledger/internal/infrastructure/identity"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, verifier identity.Verifier) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	// 所有业务接口都需要登录
	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(verifier))
	{
		api.POST("/session", h.CreateSession)
		api.GET("/account", h.GetAccount)
		api.GET("/audit", h.GetAudit)

		// 管理接口，管理员名单见 ledger.admin_accounts
		admin := api.Group("/admin")
		{
			admin.POST("/coins/grant", h.GrantCoins)
			admin.POST("/content/grant", h.GrantContent)
		}

		// 内容相关
		content := api.Group("/content")
		{
			content.POST("/purchase", h.PurchaseContent)
			content.POST("/archive", h.ArchiveContent)
		}

		// 权益相关
		entitlements := api.Group("/entitlements")
		{
			entitlements.GET("", h.ListEntitlements)
			entitlements.POST("/reconcile", h.ReconcileEntitlements)
		}

		// 奖励相关
		api.POST("/bonus/daily", h.ClaimDailyBonus)
		api.POST("/referral/apply", h.ApplyReferralCode)
		api.POST("/lesson/complete", h.CompleteLesson)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
