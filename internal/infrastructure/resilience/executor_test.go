package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2.0,
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	e := NewExecutor(fastConfig())
	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("rate limit exceeded")
		}
		return nil
	}, ClassifyRateLimit)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	e := NewExecutor(fastConfig())
	calls := 0
	wantErr := errors.New("bad request")
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return wantErr
	}, ClassifyRateLimit)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	e := NewExecutor(fastConfig())
	calls := 0
	err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("429")
	}, ClassifyRateLimit)
	if err == nil {
		t.Fatalf("expected error after retries exhausted")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestClassifyRateLimit(t *testing.T) {
	cases := []struct {
		err       string
		retryable bool
	}{
		{"HTTP 429 returned", true},
		{"Rate Limit reached", true},
		{"too many requests", true},
		{"TPM quota hit", true},
		{"rpm exceeded", true},
		{"model not found", false},
	}
	for _, tc := range cases {
		got := ClassifyRateLimit(errors.New(tc.err))
		if got.Retryable != tc.retryable {
			t.Fatalf("ClassifyRateLimit(%q).Retryable = %v, want %v", tc.err, got.Retryable, tc.retryable)
		}
	}
}
