package cron

import "testing"

func TestEventMatchesPath(t *testing.T) {
	tests := []struct {
		name      string
		eventPath string
		watchPath string
		want      bool
	}{
		{"exact file", "/srv/app/config.yaml", "/srv/app/config.yaml", true},
		{"child of dir", "/srv/app/deploy.log", "/srv/app", true},
		{"nested child", "/srv/app/sub/file", "/srv/app", true},
		{"sibling prefix", "/srv/application/file", "/srv/app", false},
		{"unrelated", "/tmp/other", "/srv/app", false},
		{"empty watch path", "/srv/app", "", false},
		{"dir with trailing slash", "/srv/app/file", "/srv/app/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eventMatchesPath(tt.eventPath, tt.watchPath); got != tt.want {
				t.Errorf("eventMatchesPath(%q, %q) = %t, want %t", tt.eventPath, tt.watchPath, got, tt.want)
			}
		})
	}
}
