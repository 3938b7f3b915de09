package services

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// ErrorClass is the retry classification of a failed attempt.
type ErrorClass int

const (
	// ClassFatal means retrying is pointless (4xx responses and anything
	// the classifier does not recognize).
	ClassFatal ErrorClass = iota
	// ClassTransient means the error is likely to succeed on retry
	// (5xx responses, timeouts, network failures).
	ClassTransient
)

// Classifier maps a low-level error to its retry class.
type Classifier func(error) ErrorClass

// Operation is one attempt of an idempotent outbound call.
type Operation func(ctx context.Context) error

// Executor runs an operation up to MaxAttempts times, sleeping per the
// backoff policy between attempts and retrying only transient failures.
type Executor struct {
	name     string
	policy   RetryPolicy
	classify Classifier

	// sleep is replaceable in tests so retry timing can be observed
	// without real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor named for log output. classify defaults
// to ClassifyRequestError when nil.
func NewExecutor(name string, policy RetryPolicy, classify Classifier) *Executor {
	if classify == nil {
		classify = ClassifyRequestError
	}
	return &Executor{
		name:     name,
		policy:   policy,
		classify: classify,
		sleep:    sleepContext,
	}
}

// Do executes op until it succeeds, fails fatally, or attempts are
// exhausted. It performs at most policy.MaxAttempts attempts and sleeps at
// most MaxAttempts-1 times. A context cancelled during the sleep aborts
// immediately and propagates ctx.Err().
func (e *Executor) Do(ctx context.Context, op Operation) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			logger.Infof("[%s] Attempt %d/%d succeeded", e.name, attempt, e.policy.MaxAttempts)
			return nil
		}

		// The caller gave up; don't reclassify its cancellation as an
		// upstream failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if e.classify(err) == ClassFatal {
			logger.Warnf("[%s] Attempt %d/%d failed with non-retryable error: %v",
				e.name, attempt, e.policy.MaxAttempts, err)
			return err
		}

		if attempt >= e.policy.MaxAttempts {
			logger.Errorf("[%s] Attempt %d/%d failed, retries exhausted: %v",
				e.name, attempt, e.policy.MaxAttempts, err)
			return &RetryExhaustedError{Op: e.name, Attempts: attempt, Err: err}
		}

		delay := e.policy.Delay(attempt + 1)
		logger.Warnf("[%s] Attempt %d/%d failed: %v, retrying in %v",
			e.name, attempt, e.policy.MaxAttempts, err, delay)

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// sleepContext sleeps for d or until ctx is cancelled, whichever is first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClassifyRequestError is the default classification for outbound HTTP
// calls:
//   - UpstreamError with status >= 500: transient
//   - UpstreamError with status 400-499: fatal (includes auth and not-found)
//   - timeouts, connection refused/reset, DNS failures: transient
//   - anything unrecognized: fatal (fail fast rather than retry blindly)
func ClassifyRequestError(err error) ErrorClass {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Transient() {
			return ClassTransient
		}
		return ClassFatal
	}

	// Per-attempt timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassTransient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}

	return ClassFatal
}
