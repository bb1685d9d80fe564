// internal/api/router.go
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Corphon/huaxu/internal/di"
	"github.com/Corphon/huaxu/internal/utils"
)

// RouterOptions 路由配置
type RouterOptions struct {
	Concurrency int  // 批量生成并发数
	DebugMode   bool // false 时使用 gin release 模式
}

// SetupRouter 配置HTTP路由，返回引擎与处理器（关闭时需要调用 Handler.Shutdown）
func SetupRouter(container *di.Container, opts RouterOptions) (*gin.Engine, *Handler, error) {
	handler, err := NewHandler(container, opts.Concurrency)
	if err != nil {
		return nil, nil, err
	}

	if opts.DebugMode {
		gin.SetMode(gin.DebugMode)
		gin.DebugPrintRouteFunc = routeLogger(handler.Logger)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())
	r.Use(requestLogger(handler.Logger, handler.Metrics))
	r.Use(corsMiddleware())
	r.NoRoute(notFoundRoute(handler.Response))

	limiter := NewRateLimiter()
	heavy := AnalysisRateLimit(limiter)

	r.GET("/health", handler.Health)

	// WebSocket 支持
	r.GET("/ws/works/:id/progress", handler.Hub.Serve)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	api.Use(DefaultRateLimit(limiter))
	{
		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)

		// 草稿
		draftGroup := api.Group("/draft")
		{
			draftGroup.GET("", handler.GetDraft)
			draftGroup.PUT("", handler.UpdateDraft)
			draftGroup.POST("/save", handler.SaveDraft)
			draftGroup.POST("/analyze", heavy, handler.StartAnalysis)
		}

		api.POST("/analyze", heavy, handler.AnalyzeText)
		api.POST("/images/generate", heavy, handler.GenerateImage)
		api.GET("/images/temp", handler.GetTempImages)
		api.DELETE("/images/temp/:id", handler.DeleteTempImage)
		api.POST("/filters/toggle", handler.ToggleFilter)

		// 作品
		worksGroup := api.Group("/works")
		{
			worksGroup.GET("", handler.GetWorks)
			worksGroup.POST("", handler.CreateWork)
			worksGroup.GET("/:id", handler.GetWork)
			worksGroup.PUT("/:id", handler.UpdateWork)
			worksGroup.DELETE("/:id", handler.DeleteWork)

			worksGroup.GET("/:id/source", handler.GetSource)
			worksGroup.GET("/:id/analysis", handler.GetAnalysis)
			worksGroup.PUT("/:id/analysis", handler.UpdateAnalysis)

			worksGroup.POST("/:id/illustrations", heavy, handler.GenerateIllustrations)
			worksGroup.POST("/:id/illustrations/:index", heavy, handler.RegenerateIllustration)
			worksGroup.GET("/:id/images", handler.GetImages)
			worksGroup.GET("/:id/progress", handler.GetProgress)

			worksGroup.GET("/:id/selections", handler.GetSelections)
			worksGroup.GET("/:id/selections/:slot", handler.GetSelection)
			worksGroup.PUT("/:id/selections/:slot", handler.UpdateSelection)

			worksGroup.GET("/:id/compose", handler.ComposeWork)
		}

		// 设置
		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("/advanced", handler.GetAdvancedSettings)
			settingsGroup.PUT("/advanced", handler.SaveAdvancedSettings)
			settingsGroup.GET("/notifications", handler.GetNotificationSettings)
			settingsGroup.PUT("/notifications", handler.SaveNotificationSettings)
			settingsGroup.PATCH("/notifications/:name", handler.ToggleNotification)
		}
	}

	handler.Logger.Info("路由设置完成", map[string]interface{}{"routes": len(r.Routes())})
	return r, handler, nil
}

// routeLogger 调试模式下把路由表写入日志
func routeLogger(logger *utils.Logger) func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
	return func(httpMethod, absolutePath, handlerName string, nuHandlers int) {
		logger.Debug("注册路由", map[string]interface{}{"method": httpMethod, "path": absolutePath})
	}
}
