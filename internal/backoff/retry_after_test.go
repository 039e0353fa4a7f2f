package backoff

import (
	"net/http"
	"testing"
	"time"
)

func TestRetryDelayPrefersMillisecondHeader(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after-ms", "1500")
	headers.Set("retry-after", "20")

	delay, source := RetryDelay(headers, DefaultPolicy(), 1, time.Now())
	if delay != 1500*time.Millisecond {
		t.Errorf("delay = %v, want 1.5s", delay)
	}
	if source != DelaySourceRetryAfterMS {
		t.Errorf("source = %q, want %q", source, DelaySourceRetryAfterMS)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("retry-after", "20")

	delay, source := RetryDelay(headers, DefaultPolicy(), 1, time.Now())
	if delay != 20*time.Second {
		t.Errorf("delay = %v, want 20s", delay)
	}
	if source != DelaySourceRetryAfter {
		t.Errorf("source = %q, want %q", source, DelaySourceRetryAfter)
	}
}

func TestRetryDelayHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	target := now.Add(42 * time.Second)
	headers := http.Header{}
	headers.Set("retry-after", target.Format(http.TimeFormat))

	delay, source := RetryDelay(headers, DefaultPolicy(), 1, now)
	if source != DelaySourceRetryAfter {
		t.Fatalf("source = %q, want %q", source, DelaySourceRetryAfter)
	}
	if delay < 41*time.Second || delay > 43*time.Second {
		t.Errorf("delay = %v, want ~42s", delay)
	}
}

func TestRetryDelayPastHTTPDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	headers := http.Header{}
	headers.Set("retry-after", now.Add(-time.Minute).Format(http.TimeFormat))

	delay, _ := RetryDelay(headers, DefaultPolicy(), 1, now)
	if delay != 0 {
		t.Errorf("delay = %v, want 0 for a date in the past", delay)
	}
}

func TestRetryDelayFallsBackToBackoff(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0}

	tests := []struct {
		name    string
		headers http.Header
	}{
		{"no headers", nil},
		{"empty headers", http.Header{}},
		{"garbage values", http.Header{"Retry-After": []string{"soon"}, "Retry-After-Ms": []string{"lots"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, source := RetryDelay(tt.headers, policy, 3, time.Now())
			if source != DelaySourceBackoff {
				t.Fatalf("source = %q, want %q", source, DelaySourceBackoff)
			}
			if delay != 400*time.Millisecond {
				t.Errorf("delay = %v, want 400ms (100 * 2^2)", delay)
			}
		})
	}
}
