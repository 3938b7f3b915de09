package models

import "time"

// Review statuses.
const (
	ReviewStatusPending   = "pending"
	ReviewStatusAnalyzing = "analyzing"
	ReviewStatusCompleted = "completed"
	ReviewStatusFailed    = "failed"
	ReviewStatusSkipped   = "skipped"
	ReviewStatusRejected  = "rejected" // budget or rate limit pre-flight rejection
)

// ReviewLog is one merge request review, from webhook receipt to outcome.
type ReviewLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	RequestID     string    `gorm:"size:64;index" json:"request_id"`
	ProjectID     int64     `gorm:"index;not null" json:"project_id"`
	ProjectName   string    `gorm:"size:200" json:"project_name"`
	MRIID         int       `gorm:"column:mr_iid;index" json:"mr_iid"`
	MRURL         string    `gorm:"size:500" json:"mr_url"`
	Username      string    `gorm:"size:200" json:"username"`
	Title         string    `gorm:"size:500" json:"title"`
	ReviewStatus  string    `gorm:"size:50;default:pending;index" json:"review_status"`
	ReviewResult  string    `gorm:"type:text" json:"review_result"`
	ErrorMessage  string    `gorm:"type:text" json:"error_message"`
	Model         string    `gorm:"size:100" json:"model"`
	InputTokens   int64     `json:"input_tokens"`
	OutputTokens  int64     `json:"output_tokens"`
	TotalTokens   int64     `json:"total_tokens"`
	DurationMs    int64     `json:"duration_ms"`
	CommentPosted bool      `json:"comment_posted"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ReviewLog) TableName() string { return "review_logs" }
