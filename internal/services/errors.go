package services

import "fmt"

// UpstreamError represents a non-2xx response from an upstream API
// (GitLab or the LLM provider).
type UpstreamError struct {
	Service    string // "gitlab", "anthropic", ...
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Service, e.StatusCode, e.Message)
}

// Transient reports whether the error is worth retrying (server-side failure).
// 4xx responses, including auth failures and not-found, are never retried.
func (e *UpstreamError) Transient() bool {
	return e.StatusCode >= 500
}

// RetryExhaustedError is returned by the executor after all permitted
// attempts failed with transient errors.
type RetryExhaustedError struct {
	Op       string
	Attempts int
	Err      error // last attempt's error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// BudgetExhaustedError is the pre-flight rejection when the daily token
// budget is spent. It is not an upstream failure; Message is suitable for
// posting back to the merge request.
type BudgetExhaustedError struct {
	Used    int64
	Limit   int64
	Message string
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("daily token budget exhausted (%d/%d tokens used)", e.Used, e.Limit)
}
