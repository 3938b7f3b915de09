package handlers

import (
	"errors"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mrsentinel/mrsentinel/internal/services"
	"github.com/mrsentinel/mrsentinel/internal/storage"
	"github.com/mrsentinel/mrsentinel/pkg/response"
)

var (
	datePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	periodPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
)

type BudgetHandler struct {
	ledger  *services.TokenLedger
	cleanup *services.CleanupService
}

func NewBudgetHandler(ledger *services.TokenLedger, cleanup *services.CleanupService) *BudgetHandler {
	return &BudgetHandler{ledger: ledger, cleanup: cleanup}
}

// GetBudget returns the current budget decision.
func (h *BudgetHandler) GetBudget(c *gin.Context) {
	decision := h.ledger.CheckBudget()
	response.Success(c, gin.H{
		"allowed":          decision.Allowed,
		"tokens_used":      decision.TokensUsed,
		"tokens_remaining": decision.TokensRemaining,
		"limit":            decision.Limit,
		"message":          decision.Message,
	})
}

// GetDailyStats returns the usage summary for one UTC date.
// Defaults to today when no date is given.
func (h *BudgetHandler) GetDailyStats(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	if !datePattern.MatchString(date) {
		response.BadRequest(c, "date must be in YYYY-MM-DD format")
		return
	}

	stats, err := h.ledger.DailyStats(date)
	if err != nil {
		response.ServerError(c, "failed to read daily stats: "+err.Error())
		return
	}

	var percentUsed float64
	if stats.BudgetLimit > 0 {
		percentUsed = float64(stats.TotalTokens) / float64(stats.BudgetLimit) * 100
	}
	var avgTokens int64
	if stats.RequestCount > 0 {
		avgTokens = stats.TotalTokens / stats.RequestCount
	}
	response.Success(c, gin.H{
		"summary":               stats,
		"percent_used":          percentUsed,
		"avg_tokens_per_review": avgTokens,
	})
}

// GetMonthlyUsage returns the usage log records for one month segment.
// Defaults to the current month when no period is given.
func (h *BudgetHandler) GetMonthlyUsage(c *gin.Context) {
	period := c.Query("period")
	if period == "" {
		period = time.Now().UTC().Format("2006-01")
	}
	if !periodPattern.MatchString(period) {
		response.BadRequest(c, "period must be in YYYY-MM format")
		return
	}

	records, err := h.ledger.UsageLog().ReadMonth(period)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		response.ServerError(c, "failed to read usage log: "+err.Error())
		return
	}
	response.Success(c, gin.H{
		"period":  period,
		"count":   len(records),
		"records": records,
	})
}

// TriggerCleanup runs a retention cleanup pass immediately.
func (h *BudgetHandler) TriggerCleanup(c *gin.Context) {
	result := h.cleanup.Run()
	response.Success(c, gin.H{
		"summaries_deleted": result.SummariesDeleted,
		"logs_deleted":      result.LogsDeleted,
	})
}
