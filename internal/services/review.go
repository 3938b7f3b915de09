package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/internal/models"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// GitLabAPI is the subset of the GitLab client used by the review flow.
type GitLabAPI interface {
	GetMergeRequest(ctx context.Context, projectID int64, mrIID int) (*MergeRequest, error)
	GetMergeRequestChanges(ctx context.Context, projectID int64, mrIID int) (*MergeRequestChanges, error)
	PostMergeRequestComment(ctx context.Context, projectID int64, mrIID int, comment string) error
}

// CodeReviewer generates a review for a prepared prompt.
type CodeReviewer interface {
	Review(ctx context.Context, prompt string) (*ReviewOutput, error)
}

// ReviewTask carries everything the worker needs to review one merge request.
type ReviewTask struct {
	RequestID   string `json:"request_id"`
	ProjectID   int64  `json:"project_id"`
	ProjectName string `json:"project_name"`
	MRIID       int    `json:"mr_iid"`
	MRURL       string `json:"mr_url"`
	Username    string `json:"username"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// ReviewService orchestrates a single merge request review: budget check,
// diff retrieval, LLM call, comment posting and usage accounting.
type ReviewService struct {
	cfg      *config.Config
	gitlab   GitLabAPI
	reviewer CodeReviewer
	ledger   *TokenLedger
	logs     *ReviewLogService
	limiter  *rate.Limiter
}

func NewReviewService(cfg *config.Config, gl GitLabAPI, reviewer CodeReviewer, ledger *TokenLedger, logs *ReviewLogService) *ReviewService {
	var limiter *rate.Limiter
	if cfg.Review.RateLimitEnabled && cfg.Review.MaxReviewsPerHour > 0 {
		perHour := rate.Limit(float64(cfg.Review.MaxReviewsPerHour) / 3600.0)
		limiter = rate.NewLimiter(perHour, cfg.Review.MaxReviewsPerHour)
	}
	return &ReviewService{
		cfg:      cfg,
		gitlab:   gl,
		reviewer: reviewer,
		ledger:   ledger,
		logs:     logs,
		limiter:  limiter,
	}
}

// NewReviewTask builds a task with a fresh request ID.
func NewReviewTask(projectID int64, projectName string, mrIID int, mrURL, username, title, description string) *ReviewTask {
	return &ReviewTask{
		RequestID:   uuid.New().String(),
		ProjectID:   projectID,
		ProjectName: projectName,
		MRIID:       mrIID,
		MRURL:       mrURL,
		Username:    username,
		Title:       title,
		Description: description,
	}
}

// ProcessReviewTask runs the full review flow for one task. Errors are
// recorded on the review log; the returned error is for the task queue's
// retry bookkeeping only.
func (s *ReviewService) ProcessReviewTask(ctx context.Context, task *ReviewTask) error {
	log := &models.ReviewLog{
		RequestID:    task.RequestID,
		ProjectID:    task.ProjectID,
		ProjectName:  task.ProjectName,
		MRIID:        task.MRIID,
		MRURL:        task.MRURL,
		Username:     task.Username,
		Title:        task.Title,
		ReviewStatus: models.ReviewStatusPending,
	}
	if err := s.logs.Create(log); err != nil {
		logger.Errorf("failed to create review log for %s!%d: %v", task.ProjectName, task.MRIID, err)
	}

	if s.limiter != nil && !s.limiter.Allow() {
		logger.Warnf("review rate limit reached, skipping %s!%d", task.ProjectName, task.MRIID)
		s.postComment(ctx, task, "Rate limit exceeded. Please try again later.")
		s.finish(log, models.ReviewStatusSkipped, "hourly review rate limit reached")
		return nil
	}

	decision := s.ledger.CheckBudget()
	if budgetErr := decision.Err(); budgetErr != nil {
		logger.Warnf("rejecting review for %s!%d: %v", task.ProjectName, task.MRIID, budgetErr)
		s.postComment(ctx, task, budgetExhaustedComment(decision))
		s.finish(log, models.ReviewStatusRejected, budgetErr.Error())
		return nil
	}

	mr, err := s.gitlab.GetMergeRequest(ctx, task.ProjectID, task.MRIID)
	if err != nil {
		logger.Errorf("failed to fetch MR %s!%d: %v", task.ProjectName, task.MRIID, err)
		s.finish(log, models.ReviewStatusFailed, fmt.Sprintf("fetch merge request: %v", err))
		return err
	}
	if mr.State != "opened" {
		logger.Infof("MR %s!%d is %s, skipping review", task.ProjectName, task.MRIID, mr.State)
		s.finish(log, models.ReviewStatusSkipped, fmt.Sprintf("merge request is %s", mr.State))
		return nil
	}

	changes, err := s.gitlab.GetMergeRequestChanges(ctx, task.ProjectID, task.MRIID)
	if err != nil {
		logger.Errorf("failed to fetch changes for %s!%d: %v", task.ProjectName, task.MRIID, err)
		s.finish(log, models.ReviewStatusFailed, fmt.Sprintf("fetch changes: %v", err))
		return err
	}

	diff := FormatDiffForReview(changes)
	if strings.TrimSpace(diff) == "" {
		logger.Infof("MR %s!%d has no reviewable changes", task.ProjectName, task.MRIID)
		s.postComment(ctx, task, "This merge request has no reviewable changes, so the automated review was skipped.")
		s.finish(log, models.ReviewStatusSkipped, "no reviewable changes")
		return nil
	}
	if lines := strings.Count(diff, "\n") + 1; s.cfg.Review.MaxDiffLines > 0 && lines > s.cfg.Review.MaxDiffLines {
		logger.Warnf("MR %s!%d diff has %d lines, over the %d line limit", task.ProjectName, task.MRIID, lines, s.cfg.Review.MaxDiffLines)
		s.postComment(ctx, task, fmt.Sprintf(
			"This merge request is too large for automated review (%d lines of changes, limit %d). Consider splitting it into smaller merge requests.",
			lines, s.cfg.Review.MaxDiffLines))
		s.finish(log, models.ReviewStatusSkipped, fmt.Sprintf("diff too large: %d lines", lines))
		return nil
	}

	log.ReviewStatus = models.ReviewStatusAnalyzing
	s.update(log)

	prompt := BuildReviewPrompt(task.Title, task.Description, diff)
	start := time.Now()
	output, err := s.reviewer.Review(ctx, prompt)
	duration := time.Since(start)
	if err != nil {
		logger.Errorf("review generation failed for %s!%d after %s: %v", task.ProjectName, task.MRIID, duration.Round(time.Millisecond), err)
		s.postComment(ctx, task, "The automated code review failed due to an internal error. A maintainer can re-trigger it by updating the merge request.")
		log.DurationMs = duration.Milliseconds()
		s.finish(log, models.ReviewStatusFailed, err.Error())
		return err
	}

	// Tokens were consumed the moment the LLM call succeeded, so usage is
	// recorded before the comment is posted, even if posting fails.
	s.ledger.RecordUsage(UsageRecord{
		Timestamp:    time.Now(),
		ProjectID:    task.ProjectID,
		ProjectName:  task.ProjectName,
		MRIID:        task.MRIID,
		Username:     task.Username,
		InputTokens:  output.InputTokens,
		OutputTokens: output.OutputTokens,
		TotalTokens:  output.InputTokens + output.OutputTokens,
		Model:        output.Model,
		DurationMs:   duration.Milliseconds(),
	})

	log.Model = output.Model
	log.InputTokens = output.InputTokens
	log.OutputTokens = output.OutputTokens
	log.TotalTokens = output.InputTokens + output.OutputTokens
	log.DurationMs = duration.Milliseconds()
	log.ReviewResult = output.Content

	comment := FormatReviewComment(output, duration)
	if err := s.gitlab.PostMergeRequestComment(ctx, task.ProjectID, task.MRIID, comment); err != nil {
		logger.Errorf("review generated but comment failed for %s!%d: %v", task.ProjectName, task.MRIID, err)
		log.CommentPosted = false
		s.finish(log, models.ReviewStatusCompleted, fmt.Sprintf("comment post failed: %v", err))
		return err
	}

	log.CommentPosted = true
	s.finish(log, models.ReviewStatusCompleted, "")
	logger.Infof("review completed for %s!%d in %s (%d tokens, model %s)",
		task.ProjectName, task.MRIID, duration.Round(time.Millisecond), log.TotalTokens, output.Model)
	return nil
}

func (s *ReviewService) finish(log *models.ReviewLog, status, errMsg string) {
	log.ReviewStatus = status
	log.ErrorMessage = errMsg
	s.update(log)
}

func (s *ReviewService) update(log *models.ReviewLog) {
	if err := s.logs.Update(log); err != nil {
		logger.Errorf("failed to update review log %s: %v", log.RequestID, err)
	}
}

func (s *ReviewService) postComment(ctx context.Context, task *ReviewTask, body string) {
	if err := s.gitlab.PostMergeRequestComment(ctx, task.ProjectID, task.MRIID, body); err != nil {
		logger.Errorf("failed to post comment on %s!%d: %v", task.ProjectName, task.MRIID, err)
	}
}

func budgetExhaustedComment(decision BudgetDecision) string {
	return fmt.Sprintf("**Automated review unavailable**\n\n%s", decision.Message)
}

// FormatReviewComment renders the posted merge request note.
func FormatReviewComment(output *ReviewOutput, duration time.Duration) string {
	var b strings.Builder
	b.WriteString("## AI Code Review\n\n")
	b.WriteString(output.Content)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "*Generated by %s in %.1fs (%d input / %d output tokens)*\n",
		output.Model, duration.Seconds(), output.InputTokens, output.OutputTokens)
	return b.String()
}
