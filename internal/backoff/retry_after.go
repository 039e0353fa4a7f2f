package backoff

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DelaySource identifies where a retry delay came from, in precedence
// order: an explicit retry-after-ms header, an explicit retry-after header
// (delta seconds or HTTP-date), then the computed exponential backoff.
type DelaySource string

const (
	DelaySourceRetryAfterMS DelaySource = "retry-after-ms"
	DelaySourceRetryAfter   DelaySource = "retry-after"
	DelaySourceBackoff      DelaySource = "backoff"
)

// RetryDelay resolves how long to wait before the next attempt. Provider
// hints win over the local policy: retry-after-ms (milliseconds) beats
// retry-after (seconds or an HTTP-date relative to now) beats the
// exponential backoff for attempt.
func RetryDelay(headers http.Header, policy BackoffPolicy, attempt int, now time.Time) (time.Duration, DelaySource) {
	if headers != nil {
		if raw := strings.TrimSpace(headers.Get("retry-after-ms")); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms >= 0 {
				return time.Duration(ms) * time.Millisecond, DelaySourceRetryAfterMS
			}
		}
		if raw := strings.TrimSpace(headers.Get("retry-after")); raw != "" {
			if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second, DelaySourceRetryAfter
			}
			if target, err := http.ParseTime(raw); err == nil {
				delay := target.Sub(now)
				if delay < 0 {
					delay = 0
				}
				return delay, DelaySourceRetryAfter
			}
		}
	}
	return ComputeBackoff(policy, attempt), DelaySourceBackoff
}
