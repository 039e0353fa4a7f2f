package providers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassifyErrorByMessage(t *testing.T) {
	cases := []struct {
		msg  string
		want FailoverReason
	}{
		{"context deadline exceeded", FailoverTimeout},
		{"429 Too Many Requests", FailoverRateLimit},
		{"invalid api key provided", FailoverAuth},
		{"insufficient quota for this billing period", FailoverBilling},
		{"model not found: gpt-x", FailoverModelUnavailable},
		{"502 bad gateway", FailoverServerError},
		{"something else entirely", FailoverUnknown},
	}
	for _, tc := range cases {
		got := ClassifyError(errors.New(tc.msg))
		if got != tc.want {
			t.Errorf("ClassifyError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestWithStatusReclassifies(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("boom")).WithStatus(http.StatusTooManyRequests)
	if err.Reason != FailoverRateLimit {
		t.Errorf("status 429 should classify as rate_limit, got %v", err.Reason)
	}
	if !IsRetryable(err) {
		t.Error("rate limit should be retryable")
	}
	if ShouldFailover(err) {
		t.Error("rate limit should not trigger failover")
	}
}

func TestAuthErrorsFailOver(t *testing.T) {
	err := NewProviderError("openai", "gpt-4o", errors.New("nope")).WithStatus(http.StatusUnauthorized)
	if IsRetryable(err) {
		t.Error("auth failure is not retryable")
	}
	if !ShouldFailover(err) {
		t.Error("auth failure should trigger failover")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := fmt.Errorf("attempt 3: %w", NewProviderError("google", "gemini", cause))

	pe, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("GetProviderError should find the error through wrapping")
	}
	if !errors.Is(pe, cause) {
		t.Error("ProviderError should unwrap to its cause")
	}
}

func TestWithRetryAfterHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after-ms", "1500")
	err := NewProviderError("anthropic", "claude", errors.New("slow down")).WithRetryAfterHeaders(headers)
	if err.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 1.5s", err.RetryAfter)
	}

	noHint := NewProviderError("anthropic", "claude", errors.New("x")).WithRetryAfterHeaders(http.Header{})
	if noHint.RetryAfter != 0 {
		t.Errorf("absent header should leave hint unset, got %v", noHint.RetryAfter)
	}
}
