package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/internal/models"
	"github.com/mrsentinel/mrsentinel/internal/storage"
)

type fakeGitLab struct {
	mr         *MergeRequest
	mrErr      error
	changes    *MergeRequestChanges
	changesErr error
	commentErr error

	comments []string
}

func (f *fakeGitLab) GetMergeRequest(ctx context.Context, projectID int64, mrIID int) (*MergeRequest, error) {
	if f.mrErr != nil {
		return nil, f.mrErr
	}
	return f.mr, nil
}

func (f *fakeGitLab) GetMergeRequestChanges(ctx context.Context, projectID int64, mrIID int) (*MergeRequestChanges, error) {
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	return f.changes, nil
}

func (f *fakeGitLab) PostMergeRequestComment(ctx context.Context, projectID int64, mrIID int, comment string) error {
	f.comments = append(f.comments, comment)
	return f.commentErr
}

type fakeReviewer struct {
	output *ReviewOutput
	err    error
	calls  int
}

func (f *fakeReviewer) Review(ctx context.Context, prompt string) (*ReviewOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&models.ReviewLog{}); err != nil {
		t.Fatal(err)
	}
	return db
}

type reviewFixture struct {
	svc    *ReviewService
	gitlab *fakeGitLab
	llm    *fakeReviewer
	ledger *TokenLedger
	db     *gorm.DB
}

func newReviewFixture(t *testing.T, mutate func(*config.Config)) *reviewFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Review.RateLimitEnabled = false
	if mutate != nil {
		mutate(cfg)
	}

	gl := &fakeGitLab{
		mr: &MergeRequest{IID: 7, Title: "Add widget", State: "opened"},
		changes: &MergeRequestChanges{Changes: []MergeRequestChange{
			{NewPath: "widget.go", Diff: "+func Widget() {}"},
		}},
	}
	llm := &fakeReviewer{output: &ReviewOutput{
		Content:      "Looks reasonable overall.",
		InputTokens:  1000,
		OutputTokens: 500,
		Model:        "test-model",
	}}
	ledger := NewTokenLedger(storage.NewMemStore(), cfg.Budget, nil)
	db := openTestDB(t)

	return &reviewFixture{
		svc:    NewReviewService(cfg, gl, llm, ledger, NewReviewLogService(db)),
		gitlab: gl,
		llm:    llm,
		ledger: ledger,
		db:     db,
	}
}

func newTask() *ReviewTask {
	return NewReviewTask(42, "group/project", 7, "https://gitlab.example.com/mr/7", "dev", "Add widget", "Adds the widget")
}

func (f *reviewFixture) lastLog(t *testing.T) *models.ReviewLog {
	t.Helper()
	var log models.ReviewLog
	if err := f.db.Order("id DESC").First(&log).Error; err != nil {
		t.Fatal(err)
	}
	return &log
}

func TestProcessReviewTask_HappyPath(t *testing.T) {
	f := newReviewFixture(t, nil)

	if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
		t.Fatal(err)
	}

	if f.llm.calls != 1 {
		t.Errorf("LLM called %d times, want 1", f.llm.calls)
	}
	if len(f.gitlab.comments) != 1 {
		t.Fatalf("posted %d comments, want 1", len(f.gitlab.comments))
	}
	if !strings.Contains(f.gitlab.comments[0], "Looks reasonable overall.") {
		t.Errorf("comment does not contain review content:\n%s", f.gitlab.comments[0])
	}
	if !strings.Contains(f.gitlab.comments[0], "test-model") {
		t.Errorf("comment footer missing model:\n%s", f.gitlab.comments[0])
	}

	log := f.lastLog(t)
	if log.ReviewStatus != models.ReviewStatusCompleted {
		t.Errorf("status = %s, want completed", log.ReviewStatus)
	}
	if !log.CommentPosted {
		t.Errorf("CommentPosted = false")
	}
	if log.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", log.TotalTokens)
	}

	// Usage reached the ledger.
	stats, err := f.ledger.DailyStats("")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalTokens != 1500 || stats.RequestCount != 1 {
		t.Errorf("ledger recorded %d tokens / %d requests, want 1500 / 1", stats.TotalTokens, stats.RequestCount)
	}
}

func TestProcessReviewTask_BudgetExhausted(t *testing.T) {
	f := newReviewFixture(t, func(cfg *config.Config) {
		cfg.Budget.DailyLimit = 100
		cfg.Budget.WarningThreshold = 80
	})
	f.ledger.RecordUsage(UsageRecord{Timestamp: time.Now(), TotalTokens: 100})

	if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
		t.Fatal(err)
	}

	if f.llm.calls != 0 {
		t.Errorf("LLM must not be called when the budget is exhausted")
	}
	if len(f.gitlab.comments) != 1 || !strings.Contains(f.gitlab.comments[0], "budget exhausted") {
		t.Errorf("expected a budget comment, got %v", f.gitlab.comments)
	}

	log := f.lastLog(t)
	if log.ReviewStatus != models.ReviewStatusRejected {
		t.Errorf("status = %s, want rejected", log.ReviewStatus)
	}

	// No usage recorded beyond the pre-seeded amount.
	stats, _ := f.ledger.DailyStats("")
	if stats.RequestCount != 1 {
		t.Errorf("RequestCount = %d, want 1", stats.RequestCount)
	}
}

func TestProcessReviewTask_LLMFailure(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.llm.err = &RetryExhaustedError{Op: "LLM", Attempts: 3, Err: errors.New("overloaded")}

	err := f.svc.ProcessReviewTask(context.Background(), newTask())
	if err == nil {
		t.Fatal("expected error to propagate to the queue")
	}

	log := f.lastLog(t)
	if log.ReviewStatus != models.ReviewStatusFailed {
		t.Errorf("status = %s, want failed", log.ReviewStatus)
	}

	// An apology comment was posted, and nothing hit the ledger.
	if len(f.gitlab.comments) != 1 || !strings.Contains(f.gitlab.comments[0], "failed") {
		t.Errorf("expected a failure comment, got %v", f.gitlab.comments)
	}
	stats, _ := f.ledger.DailyStats("")
	if stats.RequestCount != 0 {
		t.Errorf("failed review must not record usage, got %d requests", stats.RequestCount)
	}
}

func TestProcessReviewTask_CommentFailureStillRecordsUsage(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.gitlab.commentErr = &UpstreamError{Service: "GitLab", StatusCode: 502, Message: "bad gateway"}

	err := f.svc.ProcessReviewTask(context.Background(), newTask())
	if err == nil {
		t.Fatal("expected comment failure to propagate")
	}

	// Tokens were consumed, so usage is recorded regardless.
	stats, _ := f.ledger.DailyStats("")
	if stats.TotalTokens != 1500 {
		t.Errorf("ledger recorded %d tokens, want 1500", stats.TotalTokens)
	}

	log := f.lastLog(t)
	if log.ReviewStatus != models.ReviewStatusCompleted {
		t.Errorf("status = %s, want completed (review itself succeeded)", log.ReviewStatus)
	}
	if log.CommentPosted {
		t.Errorf("CommentPosted = true despite post failure")
	}
}

func TestProcessReviewTask_ClosedMRSkipped(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.gitlab.mr.State = "merged"

	if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
		t.Fatal(err)
	}
	if f.llm.calls != 0 {
		t.Errorf("LLM called for a merged MR")
	}
	if log := f.lastLog(t); log.ReviewStatus != models.ReviewStatusSkipped {
		t.Errorf("status = %s, want skipped", log.ReviewStatus)
	}
}

func TestProcessReviewTask_EmptyDiffSkipped(t *testing.T) {
	f := newReviewFixture(t, nil)
	f.gitlab.changes = &MergeRequestChanges{}

	if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
		t.Fatal(err)
	}
	if f.llm.calls != 0 {
		t.Errorf("LLM called for an empty diff")
	}
	if len(f.gitlab.comments) != 1 || !strings.Contains(f.gitlab.comments[0], "no reviewable changes") {
		t.Errorf("expected an empty-diff comment, got %v", f.gitlab.comments)
	}
	if log := f.lastLog(t); log.ReviewStatus != models.ReviewStatusSkipped {
		t.Errorf("status = %s, want skipped", log.ReviewStatus)
	}
}

func TestProcessReviewTask_OversizedDiffSkipped(t *testing.T) {
	f := newReviewFixture(t, func(cfg *config.Config) {
		cfg.Review.MaxDiffLines = 5
	})
	f.gitlab.changes = &MergeRequestChanges{Changes: []MergeRequestChange{
		{NewPath: "big.go", Diff: strings.Repeat("+line\n", 50)},
	}}

	if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
		t.Fatal(err)
	}
	if f.llm.calls != 0 {
		t.Errorf("LLM called for an oversized diff")
	}
	if len(f.gitlab.comments) != 1 || !strings.Contains(f.gitlab.comments[0], "too large") {
		t.Errorf("expected a too-large comment, got %v", f.gitlab.comments)
	}
	if log := f.lastLog(t); log.ReviewStatus != models.ReviewStatusSkipped {
		t.Errorf("status = %s, want skipped", log.ReviewStatus)
	}
}

func TestProcessReviewTask_RateLimited(t *testing.T) {
	f := newReviewFixture(t, func(cfg *config.Config) {
		cfg.Review.RateLimitEnabled = true
		cfg.Review.MaxReviewsPerHour = 2
	})

	for i := 0; i < 2; i++ {
		if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.svc.ProcessReviewTask(context.Background(), newTask()); err != nil {
		t.Fatal(err)
	}

	if f.llm.calls != 2 {
		t.Errorf("LLM called %d times, want 2 (third review rate limited)", f.llm.calls)
	}
	if log := f.lastLog(t); log.ReviewStatus != models.ReviewStatusSkipped {
		t.Errorf("third review status = %s, want skipped", log.ReviewStatus)
	}
	if len(f.gitlab.comments) != 3 {
		t.Fatalf("posted %d comments, want 3 (two reviews plus rate limit notice)", len(f.gitlab.comments))
	}
	if last := f.gitlab.comments[2]; !strings.Contains(last, "Rate limit exceeded") {
		t.Errorf("rate limit comment = %q, want try-again-later notice", last)
	}
}

func TestFormatReviewComment(t *testing.T) {
	out := FormatReviewComment(&ReviewOutput{
		Content:      "Some findings here.",
		InputTokens:  100,
		OutputTokens: 50,
		Model:        "test-model",
	}, 2500*time.Millisecond)

	if !strings.HasPrefix(out, "## AI Code Review") {
		t.Errorf("comment missing heading:\n%s", out)
	}
	if !strings.Contains(out, "Some findings here.") {
		t.Errorf("comment missing content:\n%s", out)
	}
	if !strings.Contains(out, "2.5s") || !strings.Contains(out, "100 input / 50 output") {
		t.Errorf("comment footer wrong:\n%s", out)
	}
}

func TestBuildReviewPrompt(t *testing.T) {
	prompt := BuildReviewPrompt("Fix login", "Corrects session expiry", "## File: auth.go\n```diff\n+x\n```")

	if !strings.Contains(prompt, "Fix login") {
		t.Errorf("prompt missing title")
	}
	if !strings.Contains(prompt, "Corrects session expiry") {
		t.Errorf("prompt missing description")
	}
	if !strings.Contains(prompt, "auth.go") {
		t.Errorf("prompt missing diff")
	}
}
