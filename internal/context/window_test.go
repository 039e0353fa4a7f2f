package context

import "testing"

func TestGetModelContextWindow(t *testing.T) {
	tests := []struct {
		model string
		want  int
		known bool
	}{
		{"claude-sonnet-4-20250514", 200000, true},
		{"gpt-4o-mini", 128000, true},
		{"gpt-4.1", 1000000, true},
		{"gemini-1.5-pro-latest", 2097152, true},
		{"something-unknown", DefaultContextWindow, false},
		{"", DefaultContextWindow, false},
	}
	for _, tt := range tests {
		got, known := GetModelContextWindow(tt.model)
		if got != tt.want || known != tt.known {
			t.Errorf("GetModelContextWindow(%q) = (%d, %t), want (%d, %t)", tt.model, got, known, tt.want, tt.known)
		}
	}
}

func TestLongestFragmentWins(t *testing.T) {
	// "gpt-4o" must win over the shorter "gpt-4" fragment.
	got, _ := GetModelContextWindow("gpt-4o-2024-08-06")
	if got != 128000 {
		t.Errorf("window = %d", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(4000); got != 1000 {
		t.Errorf("EstimateTokens(4000) = %d, want 1000", got)
	}
}
