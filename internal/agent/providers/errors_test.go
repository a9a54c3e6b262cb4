package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want FailureReason
	}{
		{nil, FailureUnknown},
		{errors.New("context deadline exceeded"), FailureTimeout},
		{errors.New("HTTP 429 Too Many Requests"), FailureRateLimit},
		{errors.New("invalid api key provided"), FailureAuth},
		{errors.New("insufficient_quota"), FailureBilling},
		{errors.New("blocked by content policy"), FailureContentFilter},
		{errors.New("model_not_found"), FailureModelUnavailable},
		{errors.New("502 bad gateway"), FailureServerError},
		{errors.New("something odd"), FailureUnknown},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProviderErrorReclassification(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("boom")).WithStatus(http.StatusTooManyRequests)
	if err.Reason != FailureRateLimit {
		t.Errorf("after status: %v", err.Reason)
	}
	err.WithCode("invalid_api_key")
	if err.Reason != FailureAuth {
		t.Errorf("after code: %v", err.Reason)
	}
	err.WithCode("something_custom")
	if err.Reason != FailureAuth {
		t.Error("unknown code must not reset the reason")
	}

	msg := err.WithRequestID("req_1").WithMessage("bad key").Error()
	for _, want := range []string{"[auth]", "openai", "model=gpt-4o", "status=429", "code=something_custom", "bad key"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), false},
		{"server error", NewProviderError("x", "", errors.New("a")).WithStatus(503), true},
		{"auth", NewProviderError("x", "", errors.New("a")).WithStatus(401), false},
		{"wrapped rate limit", fmt.Errorf("call: %w", NewProviderError("x", "", errors.New("a")).WithStatus(429)), true},
		{"raw timeout", errors.New("i/o timeout"), true},
		{"raw bad request", errors.New("missing field"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetProviderError(t *testing.T) {
	base := NewProviderError("anthropic", "m", errors.New("x"))
	got, ok := GetProviderError(fmt.Errorf("outer: %w", base))
	if !ok || got != base {
		t.Errorf("GetProviderError() = %v, %v", got, ok)
	}
	if _, ok := GetProviderError(errors.New("plain")); ok {
		t.Error("plain error is not a ProviderError")
	}
	if !errors.Is(base, base.Cause) {
		t.Error("Unwrap should expose the cause")
	}
}
