package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mrsentinel/mrsentinel/internal/config"
	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// MergeRequest holds the MR fields the review pipeline needs.
type MergeRequest struct {
	IID         int    `json:"iid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	WebURL      string `json:"web_url"`
}

// MergeRequestChanges is the GitLab /changes payload.
type MergeRequestChanges struct {
	Changes []MergeRequestChange `json:"changes"`
}

// MergeRequestChange is one file's diff within an MR.
type MergeRequestChange struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	Diff        string `json:"diff"`
	NewFile     bool   `json:"new_file"`
	DeletedFile bool   `json:"deleted_file"`
}

// GitLabClient talks to the GitLab REST API. Every call goes through the
// retrying executor; each individual attempt has its own HTTP timeout.
type GitLabClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	exec       *Executor
}

func NewGitLabClient(cfg *config.GitLabConfig, policy RetryPolicy) *GitLabClient {
	return &GitLabClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		exec:       NewExecutor("GitLab", policy, ClassifyRequestError),
	}
}

// GetMergeRequest fetches merge request details.
func (c *GitLabClient) GetMergeRequest(ctx context.Context, projectID int64, mrIID int) (*MergeRequest, error) {
	url := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d", c.baseURL, projectID, mrIID)

	var mr MergeRequest
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &mr); err != nil {
		return nil, err
	}
	return &mr, nil
}

// GetMergeRequestChanges fetches the merge request diff.
func (c *GitLabClient) GetMergeRequestChanges(ctx context.Context, projectID int64, mrIID int) (*MergeRequestChanges, error) {
	url := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d/changes", c.baseURL, projectID, mrIID)

	var changes MergeRequestChanges
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &changes); err != nil {
		return nil, err
	}
	return &changes, nil
}

// PostMergeRequestComment posts a markdown note on a merge request.
func (c *GitLabClient) PostMergeRequestComment(ctx context.Context, projectID int64, mrIID int, comment string) error {
	url := fmt.Sprintf("%s/api/v4/projects/%d/merge_requests/%d/notes", c.baseURL, projectID, mrIID)

	payload := map[string]string{"body": comment}
	if err := c.doJSON(ctx, http.MethodPost, url, payload, nil); err != nil {
		return err
	}

	logger.Infof("[GitLab] Posted comment to MR %d in project %d", mrIID, projectID)
	return nil
}

// doJSON performs one retried JSON request. The request body is rebuilt on
// every attempt so retries never reuse a consumed reader.
func (c *GitLabClient) doJSON(ctx context.Context, method, url string, payload, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	return c.exec.Do(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return err
		}
		req.Header.Set("PRIVATE-TOKEN", c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &UpstreamError{
				Service:    "GitLab",
				StatusCode: resp.StatusCode,
				Message:    strings.TrimSpace(string(respBody)),
			}
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// FormatDiffForReview renders MR changes into the markdown diff block fed
// to the reviewer prompt.
func FormatDiffForReview(changes *MergeRequestChanges) string {
	var parts []string
	for _, change := range changes.Changes {
		path := change.NewPath
		if path == "" {
			path = change.OldPath
		}
		if change.Diff == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## File: %s\n```diff\n%s\n```\n", path, change.Diff))
	}
	return strings.Join(parts, "\n")
}
