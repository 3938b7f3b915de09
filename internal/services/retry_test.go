package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mrsentinel/mrsentinel/pkg/logger"
)

// newTestExecutor returns an executor whose sleeps are recorded instead of
// performed.
func newTestExecutor(policy RetryPolicy, classify Classifier) (*Executor, *[]time.Duration) {
	e := NewExecutor("test", policy, classify)
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return e, &slept
}

func transientErr() error {
	return &UpstreamError{Service: "test", StatusCode: 503, Message: "unavailable"}
}

func fatalErr() error {
	return &UpstreamError{Service: "test", StatusCode: 404, Message: "not found"}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	e, slept := newTestExecutor(DefaultRetryPolicy(), nil)

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no sleeps", *slept)
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	e, slept := newTestExecutor(DefaultRetryPolicy(), nil)

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	// Sleeps before attempts 2 and 3: 1s then 2s.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("sleep %d = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	e, slept := newTestExecutor(DefaultRetryPolicy(), nil)

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	if calls != 3 {
		t.Errorf("op called %d times, want 3", calls)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}

	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Do returned %T (%v), want *RetryExhaustedError", err, err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	var upstream *UpstreamError
	if !errors.As(exhausted, &upstream) || upstream.StatusCode != 503 {
		t.Errorf("exhausted error does not wrap the last upstream error: %v", err)
	}
}

func TestDo_FatalErrorStopsImmediately(t *testing.T) {
	e, slept := newTestExecutor(DefaultRetryPolicy(), nil)

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatalErr()
	})
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want no sleeps after fatal error", *slept)
	}

	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != 404 {
		t.Errorf("Do returned %v, want the original 404 error", err)
	}
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Errorf("fatal error must not be wrapped as retry exhaustion")
	}
}

func TestDo_FatalAfterTransient(t *testing.T) {
	e, _ := newTestExecutor(DefaultRetryPolicy(), nil)

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return transientErr()
		}
		return fatalErr()
	})
	if calls != 2 {
		t.Errorf("op called %d times, want 2", calls)
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != 404 {
		t.Errorf("Do returned %v, want 404 from attempt 2", err)
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	e := NewExecutor("test", DefaultRetryPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	calls := 0
	err := e.Do(ctx, func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do returned %v, want context.Canceled", err)
	}
}

func TestDo_ContextCancelledDuringAttempt(t *testing.T) {
	e, slept := newTestExecutor(DefaultRetryPolicy(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := e.Do(ctx, func(ctx context.Context) error {
		cancel()
		return fmt.Errorf("interrupted")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do returned %v, want context.Canceled", err)
	}
	if len(*slept) != 0 {
		t.Errorf("slept after cancellation: %v", *slept)
	}
}

func TestDo_SingleAttemptPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = 1
	e, slept := newTestExecutor(policy, nil)

	calls := 0
	err := e.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return transientErr()
	})
	if calls != 1 {
		t.Errorf("op called %d times, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %v, want none", *slept)
	}
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Errorf("Do returned %T, want *RetryExhaustedError", err)
	}
}

func TestClassifyRequestError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"500", &UpstreamError{StatusCode: 500}, ClassTransient},
		{"503", &UpstreamError{StatusCode: 503}, ClassTransient},
		{"400", &UpstreamError{StatusCode: 400}, ClassFatal},
		{"401", &UpstreamError{StatusCode: 401}, ClassFatal},
		{"404", &UpstreamError{StatusCode: 404}, ClassFatal},
		{"429", &UpstreamError{StatusCode: 429}, ClassFatal},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ClassTransient},
		{"conn refused", syscall.ECONNREFUSED, ClassTransient},
		{"conn reset", syscall.ECONNRESET, ClassTransient},
		{"unknown", errors.New("something odd"), ClassFatal},
	}
	for _, tc := range cases {
		if got := ClassifyRequestError(tc.err); got != tc.want {
			t.Errorf("%s: ClassifyRequestError = %v, want %v", tc.name, got, tc.want)
		}
	}
}

// captureLogOutput reinitializes the global logger against a pipe for the
// duration of fn and returns everything it logged.
func captureLogOutput(t *testing.T, fn func()) string {
	t.Helper()

	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	logger.Init("info")

	fn()

	w.Close()
	os.Stdout = orig
	logger.Init("info")

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestDo_LogsFirstAttemptSuccess(t *testing.T) {
	e, _ := newTestExecutor(DefaultRetryPolicy(), nil)

	out := captureLogOutput(t, func() {
		err := e.Do(context.Background(), func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Errorf("Do returned %v, want nil", err)
		}
	})

	if !strings.Contains(out, "Attempt 1/3 succeeded") {
		t.Errorf("log output missing success entry for attempt 1:\n%s", out)
	}
}
