package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed.
type FailureReason string

const (
	// FailureBilling indicates payment or quota issues (HTTP 402).
	FailureBilling FailureReason = "billing"

	// FailureRateLimit indicates rate limiting (HTTP 429).
	FailureRateLimit FailureReason = "rate_limit"

	// FailureAuth indicates authentication failure (HTTP 401, 403).
	FailureAuth FailureReason = "auth"

	// FailureTimeout indicates a request timeout.
	FailureTimeout FailureReason = "timeout"

	// FailureServerError indicates server-side issues (HTTP 5xx).
	FailureServerError FailureReason = "server_error"

	// FailureInvalidRequest indicates a malformed request (HTTP 400).
	FailureInvalidRequest FailureReason = "invalid_request"

	// FailureModelUnavailable indicates the model does not exist or is offline.
	FailureModelUnavailable FailureReason = "model_unavailable"

	// FailureContentFilter indicates content was blocked by safety filters.
	FailureContentFilter FailureReason = "content_filter"

	FailureUnknown FailureReason = "unknown"
)

// IsRetryable reports whether retrying the same request may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case FailureRateLimit, FailureTimeout, FailureServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a classified error from an LLM backend.
type ProviderError struct {
	Reason    FailureReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies cause by its message.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: FailureUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a vendor error code and reclassifies when it is known.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailureUnknown {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

var reasonPatterns = []struct {
	reason   FailureReason
	patterns []string
}{
	{FailureTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{FailureRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{FailureAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"}},
	{FailureBilling, []string{"billing", "payment", "quota", "insufficient", "402"}},
	{FailureContentFilter, []string{"content_filter", "content policy", "safety"}},
	{FailureModelUnavailable, []string{"model not found", "model_not_found", "does not exist"}},
	{FailureServerError, []string{"internal server", "server error", "bad gateway", "service unavailable", "connection reset", "connection refused", "500", "502", "503", "504"}},
}

// ClassifyError maps an arbitrary error to a FailureReason by its message.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rp := range reasonPatterns {
		for _, p := range rp.patterns {
			if strings.Contains(msg, p) {
				return rp.reason
			}
		}
	}
	return FailureUnknown
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailureAuth
	case status == http.StatusPaymentRequired:
		return FailureBilling
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == http.StatusBadRequest:
		return FailureInvalidRequest
	case status == http.StatusNotFound:
		return FailureModelUnavailable
	case status == http.StatusRequestTimeout:
		return FailureTimeout
	case status >= 500:
		return FailureServerError
	default:
		return FailureUnknown
	}
}

func classifyErrorCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "resource_exhausted", "throttlingexception":
		return FailureRateLimit
	case "authentication_error", "invalid_api_key", "permission_error", "unauthenticated", "permission_denied", "accessdeniedexception":
		return FailureAuth
	case "billing_error", "insufficient_quota", "servicequotaexceededexception":
		return FailureBilling
	case "model_not_found", "model_not_available", "not_found_error", "resourcenotfoundexception", "modelnotreadyexception":
		return FailureModelUnavailable
	case "content_policy_violation", "content_filter":
		return FailureContentFilter
	case "server_error", "internal_error", "api_error", "overloaded_error", "unavailable", "internal", "internalserverexception", "serviceunavailableexception":
		return FailureServerError
	case "modeltimeoutexception", "deadline_exceeded":
		return FailureTimeout
	case "invalid_request_error", "invalid_argument", "validationexception":
		return FailureInvalidRequest
	default:
		return FailureUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is a transient provider failure. Context
// cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
