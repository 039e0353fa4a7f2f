package providers

import (
	"context"
	"time"

	"github.com/stakpak-dev/runtime/internal/backoff"
)

// BaseProvider holds the retry schedule shared by LLM providers:
// exponential backoff clamped to a maximum, overridden by any explicit
// retry-after hint the provider returned.
type BaseProvider struct {
	name       string
	maxRetries int
	policy     backoff.BackoffPolicy
}

// NewBaseProvider creates a base provider; retryDelay seeds the backoff
// schedule's initial step.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	policy := backoff.DefaultPolicy()
	if retryDelay > 0 {
		policy.InitialMs = float64(retryDelay.Milliseconds())
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		policy:     policy,
	}
}

// Retry executes op, retrying errors isRetryable accepts. The wait before
// each retry is the provider's retry-after hint when one is attached to
// the error, otherwise the exponential schedule.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		if providerErr, ok := GetProviderError(err); ok && providerErr.RetryAfter > 0 {
			if sleepErr := backoff.SleepWithContext(ctx, providerErr.RetryAfter); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		if sleepErr := backoff.SleepWithBackoff(ctx, b.policy, attempt); sleepErr != nil {
			return sleepErr
		}
	}
	return lastErr
}
