package main

import (
	"github.com/gin-gonic/gin"

	"github.com/mrsentinel/mrsentinel/internal/middleware"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	// Rate limiter for webhook routes
	webhookLimiter := middleware.NewRateLimiter(10, 20)

	// Health check
	r.GET("/health", svc.healthHandler.CheckHealth)

	// Webhook routes (token verified in the handler)
	webhook := r.Group("", webhookLimiter.Middleware())
	{
		webhook.POST("/webhook", svc.webhookHandler.HandleGitLab)
		webhook.POST("/webhook/gitlab", svc.webhookHandler.HandleGitLab)
	}

	// API routes
	api := r.Group("/api")
	{
		api.GET("/budget", svc.budgetHandler.GetBudget)
		api.GET("/budget/stats", svc.budgetHandler.GetDailyStats)
		api.POST("/budget/cleanup", svc.budgetHandler.TriggerCleanup)
		api.GET("/usage/monthly", svc.budgetHandler.GetMonthlyUsage)

		api.GET("/review-logs", svc.logHandler.List)
		api.GET("/review-logs/:id", svc.logHandler.Get)
	}
}
