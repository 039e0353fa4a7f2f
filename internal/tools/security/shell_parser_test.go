package security

import "testing"

func TestAnalyzeCommandQuoteAware(t *testing.T) {
	tests := []struct {
		cmd  string
		safe bool
	}{
		{"ls -la", true},
		{"git status", true},
		{"rm -rf / ; echo done", false},
		{"cat file | grep secret", false},
		{"echo $(whoami)", false},
		{"curl example.com > /etc/passwd", false},
		{`echo "a | b"`, true},
		{`grep 'x && y' file`, true},
		{`echo \| literal`, true},
		{"sleep 10 &", false},
	}
	for _, tt := range tests {
		analysis := AnalyzeCommandQuoteAware(tt.cmd)
		if analysis.IsSafe != tt.safe {
			t.Errorf("AnalyzeCommandQuoteAware(%q).IsSafe = %t, want %t (tokens %v)",
				tt.cmd, analysis.IsSafe, tt.safe, analysis.DangerousTokens)
		}
	}
}

func TestAnalyzeCommandIgnoresQuoting(t *testing.T) {
	// The quote-blind variant flags quoted tokens too.
	if AnalyzeCommand(`echo "a | b"`).IsSafe {
		t.Error("quote-blind analysis should flag the quoted pipe")
	}
}

func TestChainTokenPrecedence(t *testing.T) {
	analysis := AnalyzeCommand("a && b")
	if len(analysis.DangerousTokens) != 1 || analysis.DangerousTokens[0].Token != "&&" {
		t.Errorf("tokens = %v, want one && token", analysis.DangerousTokens)
	}
}

func TestExtractUnsafeReason(t *testing.T) {
	if reason := ExtractUnsafeReason("ls"); reason != "" {
		t.Errorf("safe command reason = %q", reason)
	}
	if reason := ExtractUnsafeReason("a; b"); reason == "" {
		t.Error("chained command should have a reason")
	}
}
