package main

import (
	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/internal/handlers"
	"github.com/mrsentinel/mrsentinel/internal/models"
	"github.com/mrsentinel/mrsentinel/internal/services"
	"github.com/mrsentinel/mrsentinel/internal/storage"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	ledger         *services.TokenLedger
	reviewService  *services.ReviewService
	cleanupService *services.CleanupService
	taskQueue      services.TaskQueue
	worker         *services.Worker
	webhookHandler *handlers.WebhookHandler
	budgetHandler  *handlers.BudgetHandler
	logHandler     *handlers.ReviewLogHandler
	healthHandler  *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, storage,
// services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	// Token tracking storage
	store, err := storage.NewFileStore(cfg.Budget.DataDir)
	if err != nil {
		logger.Fatalf("Failed to initialize budget storage at %s: %v", cfg.Budget.DataDir, err)
	}
	ledger := services.NewTokenLedger(store, cfg.Budget, nil)

	// Retention cleanup scheduler
	cleanupService := services.NewCleanupService(ledger)
	cleanupService.StartScheduler()

	// Outbound clients share the same retry policy
	policy := services.PolicyFromConfig(&cfg.Retry)
	gitlabClient := services.NewGitLabClient(&cfg.GitLab, policy)
	reviewer := services.NewReviewer(&cfg.LLM, policy)

	logService := services.NewReviewLogService(models.GetDB())
	reviewService := services.NewReviewService(cfg, gitlabClient, reviewer, ledger, logService)

	// Initialize task queue (uses Redis if enabled, otherwise sync mode)
	taskQueue := services.InitTaskQueue(cfg)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(reviewService.ProcessReviewTask)
	}

	// Start async worker if Redis is enabled
	var worker *services.Worker
	if cfg.Redis.Enabled {
		worker = services.InitWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(reviewService.ProcessReviewTask)
			worker.Start()
		}
	}

	return &appServices{
		ledger:         ledger,
		reviewService:  reviewService,
		cleanupService: cleanupService,
		taskQueue:      taskQueue,
		worker:         worker,
		webhookHandler: handlers.NewWebhookHandler(cfg, taskQueue),
		budgetHandler:  handlers.NewBudgetHandler(ledger, cleanupService),
		logHandler:     handlers.NewReviewLogHandler(logService),
		healthHandler:  handlers.NewHealthHandler(ledger),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.cleanupService.StopScheduler()

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	logger.Infof("All services stopped")
}
