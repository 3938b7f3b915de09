package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/internal/storage"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

const (
	summaryKind = "daily-summaries"

	// budgetCacheTTL is the freshness window of the in-memory "tokens
	// used today" cache; within it CheckBudget never touches storage.
	budgetCacheTTL = 60 * time.Second
)

// Clock abstracts time so tests can simulate UTC day rollover.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// BudgetDecision is the ephemeral result of a budget pre-check.
type BudgetDecision struct {
	Allowed         bool   `json:"allowed"`
	TokensUsed      int64  `json:"tokens_used"`
	TokensRemaining int64  `json:"tokens_remaining"`
	Limit           int64  `json:"limit"`
	Message         string `json:"message"`
}

// Err returns the decision as an error, or nil when the review is allowed.
func (d BudgetDecision) Err() error {
	if d.Allowed {
		return nil
	}
	return &BudgetExhaustedError{Used: d.TokensUsed, Limit: d.Limit, Message: d.Message}
}

// DailySummary is the persisted per-UTC-date budget counter
// (daily-summaries/YYYY-MM-DD.json). TotalTokens is monotonically
// non-decreasing within a date; a new date simply has no summary yet.
type DailySummary struct {
	Date            string `json:"date"`
	TotalTokens     int64  `json:"total_tokens"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	RequestCount    int64  `json:"request_count"`
	LastUpdated     string `json:"last_updated"`
	BudgetLimit     int64  `json:"budget_limit"`
	BudgetRemaining int64  `json:"budget_remaining"`
	BudgetExhausted bool   `json:"budget_exhausted"`
}

// CleanupResult reports what a retention sweep deleted.
type CleanupResult struct {
	SummariesDeleted int `json:"summaries_deleted"`
	LogsDeleted      int `json:"logs_deleted"`
}

// TokenLedger enforces the daily token budget and durably records
// consumption. Budget checks are served from a short-lived cache so the
// hot path stays well under 10ms; writes go through an atomic
// read-modify-write of the day's summary, serialized by the ledger mutex.
//
// The ledger fails open: when its storage is unavailable, checks allow the
// review and recording errors are logged but never raised, so cost
// tracking can never be the cause of an outage. ConsecutiveFailures gives
// operators a signal that cost control is silently disabled.
type TokenLedger struct {
	store    storage.Store
	usageLog *UsageLogWriter
	cfg      config.BudgetConfig
	clock    Clock

	mu          sync.Mutex
	cachedTotal int64
	cachedDate  string
	cachedAt    time.Time

	// consecutive storage failures since the last success; exposed for
	// health reporting and alerting on sustained ledger outages.
	failures atomic.Int64
}

// NewTokenLedger creates a ledger over the given store. A nil clock uses
// the system clock.
func NewTokenLedger(store storage.Store, cfg config.BudgetConfig, clock Clock) *TokenLedger {
	if clock == nil {
		clock = systemClock{}
	}
	logger.Infof("[Budget] Token ledger initialized: limit=%d tokens/day, warning at %d",
		cfg.DailyLimit, cfg.WarningThreshold)
	return &TokenLedger{
		store:    store,
		usageLog: NewUsageLogWriter(store),
		cfg:      cfg,
		clock:    clock,
	}
}

// UsageLog returns the ledger's audit log writer.
func (l *TokenLedger) UsageLog() *UsageLogWriter { return l.usageLog }

// ConsecutiveFailures returns the count of ledger storage failures since
// the last successful operation.
func (l *TokenLedger) ConsecutiveFailures() int64 { return l.failures.Load() }

func (l *TokenLedger) today() string {
	return l.clock.Now().UTC().Format("2006-01-02")
}

func summaryKey(date string) string { return date + ".json" }

// CheckBudget reports whether today's budget allows another review.
// Storage failures fail open: the decision allows the review and the error
// is only logged.
func (l *TokenLedger) CheckBudget() BudgetDecision {
	if !l.cfg.Enabled {
		return BudgetDecision{
			Allowed:         true,
			TokensRemaining: l.cfg.DailyLimit,
			Limit:           l.cfg.DailyLimit,
			Message:         "Budget tracking disabled",
		}
	}

	used, err := l.todayTotal()
	if err != nil {
		n := l.failures.Add(1)
		logger.Error().Err(err).Int64("consecutive_failures", n).
			Msg("[Budget] Budget check failed, failing open (cost control inactive)")
		return BudgetDecision{
			Allowed:         true,
			TokensRemaining: l.cfg.DailyLimit,
			Limit:           l.cfg.DailyLimit,
			Message:         "Budget check unavailable, failing open",
		}
	}
	l.failures.Store(0)

	remaining := l.cfg.DailyLimit - used
	if remaining < 0 {
		remaining = 0
	}

	if used >= l.cfg.DailyLimit {
		return BudgetDecision{
			Allowed:    false,
			TokensUsed: used,
			Limit:      l.cfg.DailyLimit,
			Message: fmt.Sprintf("Daily token budget exhausted (%d/%d tokens used). "+
				"AI code reviews will resume tomorrow.", used, l.cfg.DailyLimit),
		}
	}

	if l.cfg.WarningThreshold > 0 && used >= l.cfg.WarningThreshold {
		pct := float64(used) / float64(l.cfg.DailyLimit) * 100
		return BudgetDecision{
			Allowed:         true,
			TokensUsed:      used,
			TokensRemaining: remaining,
			Limit:           l.cfg.DailyLimit,
			Message: fmt.Sprintf("Warning: %.1f%% of daily budget used (%d/%d tokens). %d tokens remaining.",
				pct, used, l.cfg.DailyLimit, remaining),
		}
	}

	return BudgetDecision{
		Allowed:         true,
		TokensUsed:      used,
		TokensRemaining: remaining,
		Limit:           l.cfg.DailyLimit,
		Message:         fmt.Sprintf("Budget OK (%d tokens remaining)", remaining),
	}
}

// todayTotal returns today's token total, served from the cache when fresh.
func (l *TokenLedger) todayTotal() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UTC()
	today := now.Format("2006-01-02")

	if l.cachedDate == today && now.Sub(l.cachedAt) < budgetCacheTTL {
		return l.cachedTotal, nil
	}

	summary, err := l.readSummary(today)
	if err != nil {
		return 0, err
	}

	l.cachedTotal = summary.TotalTokens
	l.cachedDate = today
	l.cachedAt = now
	return summary.TotalTokens, nil
}

// readSummary loads the summary for a date; a missing file means zero
// usage with the budget fully available.
func (l *TokenLedger) readSummary(date string) (*DailySummary, error) {
	data, err := l.store.Read(summaryKind, summaryKey(date))
	if errors.Is(err, storage.ErrNotFound) {
		return &DailySummary{
			Date:            date,
			BudgetLimit:     l.cfg.DailyLimit,
			BudgetRemaining: l.cfg.DailyLimit,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	var summary DailySummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("corrupt daily summary %s: %w", date, err)
	}
	return &summary, nil
}

// RecordUsage appends the record to the monthly audit log, then atomically
// updates today's summary and invalidates the cache. Callers record usage
// exactly once per successful review; errors are logged and swallowed so a
// ledger outage never fails the review itself.
func (l *TokenLedger) RecordUsage(usage UsageRecord) {
	if !l.cfg.Enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UTC()
	if usage.Timestamp.IsZero() {
		usage.Timestamp = now
	}

	failed := false

	if err := l.usageLog.Append(usage); err != nil {
		failed = true
		logger.Error().Err(err).Msg("[Budget] Failed to append usage log record")
	}

	if err := l.updateSummary(usage, now); err != nil {
		failed = true
		logger.Error().Err(err).Msg("[Budget] Failed to update daily summary")
	}

	// Invalidate the cache so the next CheckBudget observes the update.
	l.cachedDate = ""

	if failed {
		n := l.failures.Add(1)
		logger.Error().Int64("consecutive_failures", n).
			Msg("[Budget] Usage recording degraded, cost tracking may be inaccurate")
		return
	}
	l.failures.Store(0)

	logger.Infof("[Budget] Recorded token usage: MR %d in project %d (%d tokens)",
		usage.MRIID, usage.ProjectID, usage.TotalTokens)
}

// updateSummary performs the read-modify-write of today's summary. The
// atomic replace in the store keeps concurrent readers consistent; the
// ledger mutex keeps concurrent writers from losing updates.
func (l *TokenLedger) updateSummary(usage UsageRecord, now time.Time) error {
	date := now.Format("2006-01-02")

	summary, err := l.readSummary(date)
	if err != nil {
		return err
	}

	summary.TotalTokens += usage.TotalTokens
	summary.InputTokens += usage.InputTokens
	summary.OutputTokens += usage.OutputTokens
	summary.RequestCount++
	summary.LastUpdated = now.Format(time.RFC3339)
	summary.BudgetLimit = l.cfg.DailyLimit
	summary.BudgetRemaining = l.cfg.DailyLimit - summary.TotalTokens
	summary.BudgetExhausted = summary.TotalTokens >= l.cfg.DailyLimit

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	return l.store.WriteAtomic(summaryKind, summaryKey(date), data)
}

// DailyStats returns the stats for a date ("2006-01-02"); empty date means
// today. Unlike CheckBudget this always reads storage.
func (l *TokenLedger) DailyStats(date string) (*DailySummary, error) {
	if date == "" {
		date = l.today()
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return l.readSummary(date)
}

// CleanupOldFiles deletes daily summaries and monthly log segments older
// than their retention windows, measured from the date encoded in the file
// name, not modification time. Month segments are compared by their last
// day. Best-effort: one bad file never aborts the rest of the sweep.
func (l *TokenLedger) CleanupOldFiles() CleanupResult {
	var result CleanupResult
	today := l.clock.Now().UTC().Truncate(24 * time.Hour)

	summaryCutoff := today.AddDate(0, 0, -l.cfg.SummaryRetentionDays)
	keys, err := l.store.List(summaryKind)
	if err != nil {
		logger.Errorf("[Budget] Cleanup: failed to list summaries: %v", err)
	}
	for _, key := range keys {
		dateStr := strings.TrimSuffix(key, ".json")
		fileDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			logger.Warnf("[Budget] Cleanup: skipping unrecognized summary file %s", key)
			continue
		}
		if fileDate.Before(summaryCutoff) {
			if err := l.store.Delete(summaryKind, key); err != nil {
				logger.Warnf("[Budget] Cleanup: failed to delete summary %s: %v", key, err)
				continue
			}
			result.SummariesDeleted++
		}
	}

	logCutoff := today.AddDate(0, 0, -l.cfg.LogRetentionDays)
	keys, err = l.store.List(usageLogKind)
	if err != nil {
		logger.Errorf("[Budget] Cleanup: failed to list log segments: %v", err)
	}
	for _, key := range keys {
		periodStr := strings.TrimSuffix(key, ".csv")
		period, err := time.Parse("2006-01", periodStr)
		if err != nil {
			logger.Warnf("[Budget] Cleanup: skipping unrecognized log segment %s", key)
			continue
		}
		// Last day of the segment's month.
		segmentEnd := time.Date(period.Year(), period.Month()+1, 0, 0, 0, 0, 0, time.UTC)
		if segmentEnd.Before(logCutoff) {
			if err := l.store.Delete(usageLogKind, key); err != nil {
				logger.Warnf("[Budget] Cleanup: failed to delete log segment %s: %v", key, err)
				continue
			}
			result.LogsDeleted++
		}
	}

	if result.SummariesDeleted > 0 || result.LogsDeleted > 0 {
		logger.Infof("[Budget] Cleanup completed: %d summaries, %d log segments deleted",
			result.SummariesDeleted, result.LogsDeleted)
	}
	return result
}
