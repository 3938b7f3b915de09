package services

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// CleanupService prunes expired daily summaries and usage log segments
// on a fixed schedule.
type CleanupService struct {
	ledger        *TokenLedger
	cronScheduler *cron.Cron
}

func NewCleanupService(ledger *TokenLedger) *CleanupService {
	return &CleanupService{ledger: ledger}
}

// StartScheduler runs retention cleanup once at startup and then every
// night at 03:00 UTC. Retention cutoffs are UTC-dated, so the schedule
// stays in the same timezone.
func (s *CleanupService) StartScheduler() {
	s.Run()

	s.cronScheduler = cron.New(cron.WithLocation(time.UTC))
	_, err := s.cronScheduler.AddFunc("0 3 * * *", func() {
		s.Run()
	})
	if err != nil {
		logger.Errorf("[Cleanup] Failed to add cron job: %v", err)
		return
	}

	s.cronScheduler.Start()
	logger.Infof("[Cleanup] Scheduler started (daily at 03:00 UTC)")
}

func (s *CleanupService) StopScheduler() {
	if s.cronScheduler != nil {
		s.cronScheduler.Stop()
	}
}

// Run performs one cleanup pass.
func (s *CleanupService) Run() CleanupResult {
	result := s.ledger.CleanupOldFiles()
	if result.SummariesDeleted > 0 || result.LogsDeleted > 0 {
		logger.Infof("[Cleanup] Removed %d expired summaries and %d expired log segments",
			result.SummariesDeleted, result.LogsDeleted)
	}
	return result
}
