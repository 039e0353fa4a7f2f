package policy

import "testing"

func TestParseActivationCommand(t *testing.T) {
	tests := []struct {
		raw      string
		has      bool
		wantMode *GroupActivationMode
	}{
		{"/activation always", true, ptrMode(ActivationAlways)},
		{"/activation: mention", true, ptrMode(ActivationMention)},
		{"/activation", true, nil},
		{"/activation bogus", true, nil},
		{"just chatting", false, nil},
		{"/activate always", false, nil},
	}
	for _, tt := range tests {
		got := ParseActivationCommand(tt.raw)
		if got.HasCommand != tt.has {
			t.Errorf("%q: HasCommand = %t, want %t", tt.raw, got.HasCommand, tt.has)
			continue
		}
		if (got.Mode == nil) != (tt.wantMode == nil) {
			t.Errorf("%q: Mode = %v, want %v", tt.raw, got.Mode, tt.wantMode)
		} else if got.Mode != nil && *got.Mode != *tt.wantMode {
			t.Errorf("%q: Mode = %q, want %q", tt.raw, *got.Mode, *tt.wantMode)
		}
	}
}

func TestParseSendPolicyCommand(t *testing.T) {
	tests := []struct {
		raw  string
		has  bool
		mode string
	}{
		{"/send allow", true, "allow"},
		{"/send on", true, "allow"},
		{"/send deny", true, "deny"},
		{"/send off", true, "deny"},
		{"/send inherit", true, "inherit"},
		{"/send reset", true, "inherit"},
		{"/send", true, ""},
		{"/send maybe", true, ""},
		{"/sending stuff", false, ""},
	}
	for _, tt := range tests {
		got := ParseSendPolicyCommand(tt.raw)
		if got.HasCommand != tt.has || got.Mode != tt.mode {
			t.Errorf("%q: = (%t, %q), want (%t, %q)", tt.raw, got.HasCommand, got.Mode, tt.has, tt.mode)
		}
	}
}

func TestNormalizeCommandBodyFirstLineOnly(t *testing.T) {
	if got := normalizeCommandBody("/send allow\nplus more text"); got != "/send allow" {
		t.Errorf("normalizeCommandBody = %q", got)
	}
}

func ptrMode(m GroupActivationMode) *GroupActivationMode { return &m }
