package handlers

import (
	"crypto/hmac"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/internal/services"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
	"github.com/mrsentinel/mrsentinel/pkg/response"
)

// GitLabMergeRequestEvent is the merge request webhook payload.
// Only the fields the review flow needs are mapped.
type GitLabMergeRequestEvent struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID                int64  `json:"id"`
		Name              string `json:"name"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		State        string `json:"state"`
		Action       string `json:"action"`
		URL          string `json:"url"`
	} `json:"object_attributes"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
}

type WebhookHandler struct {
	cfg   *config.Config
	queue services.TaskQueue
}

func NewWebhookHandler(cfg *config.Config, queue services.TaskQueue) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, queue: queue}
}

// HandleGitLab receives GitLab merge request webhooks and enqueues review
// tasks for events that carry the trigger label.
func (h *WebhookHandler) HandleGitLab(c *gin.Context) {
	if secret := h.cfg.GitLab.WebhookSecret; secret != "" {
		token := c.GetHeader("X-Gitlab-Token")
		if !hmac.Equal([]byte(token), []byte(secret)) {
			logger.Warnf("webhook rejected: invalid token from %s", c.ClientIP())
			response.Unauthorized(c, "invalid webhook token")
			return
		}
	}

	var event GitLabMergeRequestEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		response.BadRequest(c, "invalid webhook payload: "+err.Error())
		return
	}

	if event.ObjectKind != "merge_request" {
		response.Accepted(c, "ignored", "unsupported event kind: "+event.ObjectKind)
		return
	}

	action := event.ObjectAttributes.Action
	if action != "open" && action != "update" && action != "reopen" {
		response.Accepted(c, "ignored", "unsupported action: "+action)
		return
	}

	if label := h.cfg.GitLab.TriggerLabel; label != "" && !hasLabel(&event, label) {
		response.Accepted(c, "ignored", "trigger label not present")
		return
	}

	projectName := event.Project.PathWithNamespace
	if projectName == "" {
		projectName = event.Project.Name
	}

	task := services.NewReviewTask(
		event.Project.ID,
		projectName,
		event.ObjectAttributes.IID,
		event.ObjectAttributes.URL,
		event.User.Username,
		event.ObjectAttributes.Title,
		event.ObjectAttributes.Description,
	)

	if err := h.queue.Enqueue(task); err != nil {
		logger.Errorf("failed to enqueue review for %s!%d: %v", projectName, task.MRIID, err)
		response.ServerError(c, "failed to enqueue review")
		return
	}

	logger.Infof("review queued: request_id=%s, mr=%s!%d, action=%s", task.RequestID, projectName, task.MRIID, action)
	c.JSON(http.StatusOK, gin.H{
		"code":       0,
		"status":     "queued",
		"request_id": task.RequestID,
	})
}

func hasLabel(event *GitLabMergeRequestEvent, label string) bool {
	for _, l := range event.Labels {
		if l.Title == label {
			return true
		}
	}
	return false
}
