package policy

import (
	"testing"
)

func TestNormalizeTool(t *testing.T) {
	cases := map[string]string{
		"  Bash ":     "exec",
		"shell":       "exec",
		"read":        "view",
		"edit":        "str_replace",
		"view":        "view",
		"MCP:srv.get": "mcp:srv.get",
	}
	for in, want := range cases {
		if got := NormalizeTool(in); got != want {
			t.Errorf("NormalizeTool(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandGroupsDeduplicates(t *testing.T) {
	got := ExpandGroups([]string{"group:fs", "view", "exec"})
	seen := make(map[string]int)
	for _, tool := range got {
		seen[tool]++
	}
	if seen["view"] != 1 {
		t.Errorf("view appeared %d times, want 1", seen["view"])
	}
	if seen["exec"] != 1 {
		t.Errorf("exec missing from expansion: %v", got)
	}
}

func TestDecideDenyWins(t *testing.T) {
	r := NewResolver()
	p := &Policy{
		Profile: ProfileFull,
		Deny:    []string{"exec"},
	}
	if r.IsAllowed(p, "bash") {
		t.Error("bash (alias of exec) should be denied even under profile full")
	}
	if !r.IsAllowed(p, "view") {
		t.Error("view should be allowed under profile full")
	}
}

func TestDecideProfileBase(t *testing.T) {
	r := NewResolver()
	p := &Policy{Profile: ProfileCoding}
	if !r.IsAllowed(p, "str_replace") {
		t.Error("coding profile should allow str_replace")
	}
	if r.IsAllowed(p, "gateway") {
		t.Error("coding profile should not allow the gateway tool")
	}
	d := r.Decide(p, "gateway")
	if d.Allowed || d.Reason == "" {
		t.Errorf("Decide should explain the denial, got %+v", d)
	}
}

func TestMCPServerWildcard(t *testing.T) {
	r := NewResolver()
	r.RegisterMCPServer("github", []string{"search", "create_issue"})

	p := &Policy{Allow: []string{"mcp:github.*"}}
	if !r.IsAllowed(p, "mcp:github.search") {
		t.Error("server wildcard should allow mcp:github.search")
	}
	if r.IsAllowed(p, "mcp:other.search") {
		t.Error("server wildcard should not leak to other servers")
	}

	expanded := r.ExpandGroups([]string{"mcp:github.*"})
	if len(expanded) != 2 {
		t.Fatalf("expected 2 expanded tools, got %v", expanded)
	}
}

func TestByProviderOverlay(t *testing.T) {
	r := NewResolver()
	p := &Policy{
		Profile: ProfileFull,
		ByProvider: map[string]*Policy{
			"mcp:internal": {Deny: []string{"mcp:internal.delete"}},
		},
	}
	if r.IsAllowed(p, "mcp:internal.delete") {
		t.Error("provider overlay deny should apply")
	}
	if !r.IsAllowed(p, "mcp:internal.read") {
		t.Error("other tools from the provider stay allowed")
	}
}

func TestMerge(t *testing.T) {
	merged := Merge(
		&Policy{Profile: ProfileMinimal, Allow: []string{"view"}},
		&Policy{Profile: ProfileCoding, Deny: []string{"exec"}},
	)
	if merged.Profile != ProfileCoding {
		t.Errorf("last profile should win, got %q", merged.Profile)
	}
	if len(merged.Allow) != 1 || len(merged.Deny) != 1 {
		t.Errorf("allow/deny should accumulate: %+v", merged)
	}
}
