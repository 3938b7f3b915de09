package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/mrsentinel/mrsentinel/internal/models"
	"github.com/mrsentinel/mrsentinel/internal/services"
)

// HealthHandler reports the status of the service's subsystems.
type HealthHandler struct {
	ledger *services.TokenLedger
}

func NewHealthHandler(ledger *services.TokenLedger) *HealthHandler {
	return &HealthHandler{ledger: ledger}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"

	// Database check
	dbStatus := "ok"
	sqlDB, err := models.GetDB().DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.Ping(); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}

	// Queue mode
	taskQueue := services.GetTaskQueue()
	queueMode := "sync"
	if taskQueue != nil && taskQueue.IsAsync() {
		queueMode = "async (Redis)"
	}

	// Budget storage check: consecutive ledger failures mean reviews are
	// running unmetered in fail-open mode.
	ledgerFailures := h.ledger.ConsecutiveFailures()
	budgetStatus := "ok"
	if ledgerFailures > 0 {
		budgetStatus = "degraded (fail-open)"
		overall = "degraded"
	}

	// Pending/analyzing review count
	var pendingCount int64
	models.GetDB().Model(&models.ReviewLog{}).
		Where("review_status IN ?", []string{models.ReviewStatusPending, models.ReviewStatusAnalyzing}).
		Count(&pendingCount)

	c.JSON(200, gin.H{
		"status":  overall,
		"service": "mrsentinel",
		"components": gin.H{
			"database":        dbStatus,
			"queue_mode":      queueMode,
			"budget_storage":  budgetStatus,
			"ledger_failures": ledgerFailures,
			"pending_reviews": pendingCount,
		},
	})
}
