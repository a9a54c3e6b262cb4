package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(int) error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Fatalf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1/1", result.Attempts, calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	result := Do(context.Background(), fastConfig(5), func(attempt int) error {
		if attempt < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(int) error {
		calls++
		return errors.New("always")
	})
	if result.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	base := errors.New("fatal")
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(int) error {
		calls++
		return Permanent(base)
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(result.Err, base) {
		t.Errorf("err = %v, want wrapped %v", result.Err, base)
	}
}

func TestDo_ShouldRetryFilters(t *testing.T) {
	transient := errors.New("conflict")
	other := errors.New("boom")

	cfg := fastConfig(4)
	cfg.ShouldRetry = On(transient)

	calls := 0
	Do(context.Background(), cfg, func(int) error {
		calls++
		return fmt.Errorf("append: %w", transient)
	})
	if calls != 4 {
		t.Errorf("transient calls = %d, want 4", calls)
	}

	calls = 0
	Do(context.Background(), cfg, func(int) error {
		calls++
		return other
	})
	if calls != 1 {
		t.Errorf("non-matching calls = %d, want 1", calls)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	result := Do(ctx, fastConfig(3), func(int) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", result.Err)
	}
}
