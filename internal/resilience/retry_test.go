package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/apperr"
)

func TestRetry_RetryableErrorExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.CategoryNetwork, "dial", errors.New("refused"))
	})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 5, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.CategoryValidation, "bad payload", nil)
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetry_CategoryBudgetCapsAttempts(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), RetryConfig{MaxAttempts: 10, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return apperr.New(apperr.CategoryExternalService, "provider", errors.New("503"))
	})
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (external-service budget)", calls)
	}
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, Base: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return apperr.New(apperr.CategoryNetwork, "dial", errors.New("refused"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
