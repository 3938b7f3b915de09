package services

import (
	"fmt"
	"math"
	"time"

	"github.com/mrsentinel/mrsentinel/internal/config"
)

// RetryPolicy is the immutable retry configuration shared by all outbound
// calls. The delay before attempt n (1-indexed, n >= 2) is
// min(InitialDelay * BackoffFactor^(n-2), MaxDelay).
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryPolicy returns the retry defaults used when no configuration
// is provided: 3 attempts, 1s initial delay, doubling, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Second,
	}
}

// PolicyFromConfig builds a RetryPolicy from the retry config section.
func PolicyFromConfig(cfg *config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay(),
		BackoffFactor: cfg.BackoffFactor,
		MaxDelay:      cfg.MaxDelay(),
	}
}

// Validate checks the policy invariants.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("retry policy: initial delay must be > 0, got %v", p.InitialDelay)
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("retry policy: backoff factor must be >= 1, got %g", p.BackoffFactor)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("retry policy: max delay %v must be >= initial delay %v", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// Delay returns the delay to sleep before attempt n. Attempt 1 executes
// immediately, so Delay returns 0 for n < 2. Pure and deterministic.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 2 {
		return 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-2))
	if math.IsInf(d, 1) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
