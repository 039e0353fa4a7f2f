package backoff

import (
	"context"
	"testing"
	"time"
)

func TestComputeBackoffSchedule(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 100, MaxMs: 30000, Factor: 2, Jitter: 0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := ComputeBackoff(policy, tt.attempt); got != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeBackoffClampsToMax(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0}
	if got := ComputeBackoff(policy, 10); got != 500*time.Millisecond {
		t.Errorf("delay = %v, want the 500ms clamp", got)
	}
}

func TestComputeBackoffJitterIsBounded(t *testing.T) {
	policy := BackoffPolicy{InitialMs: 1000, MaxMs: 30000, Factor: 2, Jitter: 0.5}

	low := ComputeBackoffWithRand(policy, 1, 0)
	high := ComputeBackoffWithRand(policy, 1, 0.999)
	if low != time.Second {
		t.Errorf("zero jitter draw = %v, want 1s", low)
	}
	if high < time.Second || high > 1500*time.Millisecond {
		t.Errorf("max jitter draw = %v, want within [1s, 1.5s]", high)
	}
}

func TestSleepWithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepWithContext(ctx, time.Minute); err == nil {
		t.Fatal("cancelled context should end the sleep with an error")
	}
	if err := SleepWithContext(context.Background(), 0); err != nil {
		t.Fatalf("zero duration should return immediately: %v", err)
	}
}
