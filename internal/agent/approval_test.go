package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func checkDecision(t *testing.T, checker *ApprovalChecker, tool string) ApprovalDecision {
	t.Helper()
	decision, _ := checker.Check(context.Background(), "main", models.ToolCall{ID: "tc", Name: tool})
	return decision
}

func TestCheckRulePrecedence(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{
		Allowlist:       []string{"safe_*", "view"},
		Denylist:        []string{"danger"},
		RequireApproval: []string{"safe_but_ask"},
		DefaultDecision: ApprovalPending,
	})

	tests := []struct {
		tool string
		want ApprovalDecision
	}{
		{"view", ApprovalAllowed},
		{"safe_read", ApprovalAllowed},
		{"danger", ApprovalDenied},
		// An explicit ask rule outranks the allowlist pattern covering it.
		{"safe_but_ask", ApprovalPending},
		{"unlisted", ApprovalPending},
		// Safe bins come from the defaults merge.
		{"grep", ApprovalAllowed},
	}
	for _, tt := range tests {
		if got := checkDecision(t, checker, tt.tool); got != tt.want {
			t.Errorf("Check(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestCheckDenylistBeatsEverything(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{
		Allowlist:       []string{"*"},
		Denylist:        []string{"rm_rf"},
		DefaultDecision: ApprovalAllowed,
	})
	if got := checkDecision(t, checker, "rm_rf"); got != ApprovalDenied {
		t.Errorf("denylisted tool = %q, want denied", got)
	}
	if got := checkDecision(t, checker, "anything"); got != ApprovalAllowed {
		t.Errorf("wildcard allow = %q, want allowed", got)
	}
}

func TestCheckAskFallbackOffDenies(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{
		AskFallback:     false,
		DefaultDecision: ApprovalPending,
	})
	// No UI callback: pending downgrades to denied.
	if got := checkDecision(t, checker, "anything"); got != ApprovalDenied {
		t.Errorf("pending without UI = %q, want denied", got)
	}

	checker.SetUIAvailableCheck(func() bool { return true })
	if got := checkDecision(t, checker, "anything"); got != ApprovalPending {
		t.Errorf("pending with UI = %q, want pending", got)
	}
}

func TestCheckSkillAllowlist(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{
		SkillAllowlist:  true,
		DefaultDecision: ApprovalPending,
	})
	checker.RegisterSkillTools([]string{"skill_tool"})

	if got := checkDecision(t, checker, "skill_tool"); got != ApprovalAllowed {
		t.Errorf("skill tool = %q, want allowed", got)
	}
}

func TestPerAgentPolicyOverride(t *testing.T) {
	checker := NewApprovalChecker(&ApprovalPolicy{DefaultDecision: ApprovalPending})
	checker.SetAgentPolicy("trusted", &ApprovalPolicy{DefaultDecision: ApprovalAllowed})

	decision, _ := checker.Check(context.Background(), "trusted", models.ToolCall{Name: "x"})
	if decision != ApprovalAllowed {
		t.Errorf("trusted agent = %q, want allowed", decision)
	}
	decision, _ = checker.Check(context.Background(), "main", models.ToolCall{Name: "x"})
	if decision != ApprovalPending {
		t.Errorf("default agent = %q, want pending", decision)
	}
}

func TestApprovalRequestLifecycle(t *testing.T) {
	checker := NewApprovalChecker(nil)
	checker.SetStore(NewMemoryApprovalStore())
	ctx := context.Background()

	req, err := checker.CreateApprovalRequest(ctx, "main", "s1", models.ToolCall{ID: "tc1", Name: "danger"}, "asked")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if req == nil || req.Decision != ApprovalPending {
		t.Fatalf("request = %+v", req)
	}

	pending, err := checker.GetPendingRequests(ctx, "main")
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v, err %v", pending, err)
	}

	if err := checker.Approve(ctx, req.ID, "operator"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	// A second decision on the same request must be rejected.
	if err := checker.Deny(ctx, req.ID, "operator"); err == nil {
		t.Fatal("double decision should fail")
	}

	pending, _ = checker.GetPendingRequests(ctx, "main")
	if len(pending) != 0 {
		t.Errorf("decided request still pending: %v", pending)
	}
}

func TestApprovalRequestExpiry(t *testing.T) {
	store := NewMemoryApprovalStore()
	checker := NewApprovalChecker(&ApprovalPolicy{RequestTTL: time.Minute})
	checker.SetStore(store)
	ctx := context.Background()

	req, err := checker.CreateApprovalRequest(ctx, "main", "s1", models.ToolCall{ID: "tc1", Name: "x"}, "")
	if err != nil {
		t.Fatal(err)
	}
	req.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Update(ctx, req); err != nil {
		t.Fatal(err)
	}

	if err := checker.Approve(ctx, req.ID, "late"); err == nil {
		t.Fatal("expired request should not be decidable")
	}
	pending, _ := checker.GetPendingRequests(ctx, "main")
	if len(pending) != 0 {
		t.Errorf("expired request listed as pending")
	}
}

func TestMatchesToolName(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"view", "view", true},
		{"view", "viewer", false},
		{"mcp_*", "mcp_fs_read", true},
		{"mcp_*", "exec", false},
		{"*", "anything", true},
	}
	for _, tt := range tests {
		if got := matchesToolName(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchesToolName(%q, %q) = %t, want %t", tt.pattern, tt.name, got, tt.want)
		}
	}
}
