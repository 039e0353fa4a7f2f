package agent

import (
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func proposedCall(id, name string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name}
}

func noApprovalChecker() *ApprovalChecker {
	policy := DefaultApprovalPolicy()
	policy.DefaultDecision = ApprovalPending
	policy.AskFallback = true
	return NewApprovalChecker(policy)
}

func TestApprovalMachineBuffersOutOfOrderDecisions(t *testing.T) {
	calls := []models.ToolCall{proposedCall("tc_1", "tool_a"), proposedCall("tc_2", "tool_b")}
	m := NewApprovalStateMachine(noApprovalChecker(), "agent-1", calls)

	if err := m.ResolveTool("tc_2", ToolDecisionAccept); err != nil {
		t.Fatalf("resolving tc_2 out of order: %v", err)
	}

	if _, ok := m.NextReady(); ok {
		t.Fatal("expected NextReady to block on unresolved tc_1")
	}

	if err := m.ResolveTool("tc_1", ToolDecisionReject); err != nil {
		t.Fatalf("resolving tc_1: %v", err)
	}

	first, ok := m.NextReady()
	if !ok || first.ToolCall.ID != "tc_1" || first.Decision != ToolDecisionReject {
		t.Fatalf("unexpected first dispatch: %+v ok=%v", first, ok)
	}

	second, ok := m.NextReady()
	if !ok || second.ToolCall.ID != "tc_2" || second.Decision != ToolDecisionAccept {
		t.Fatalf("unexpected second dispatch: %+v ok=%v", second, ok)
	}

	if !m.IsComplete() {
		t.Fatal("expected machine to be complete")
	}
}

func TestApprovalMachineBulkResolution(t *testing.T) {
	calls := []models.ToolCall{
		proposedCall("tc_1", "tool_a"),
		proposedCall("tc_2", "tool_b"),
		proposedCall("tc_3", "tool_c"),
	}
	m := NewApprovalStateMachine(noApprovalChecker(), "agent-1", calls)

	err := m.ResolveTools(map[string]ToolDecision{
		"tc_1": ToolDecisionAccept,
		"tc_2": ToolDecisionReject,
	})
	if err != nil {
		t.Fatalf("bulk resolve: %v", err)
	}

	first, ok := m.NextReady()
	if !ok || first.ToolCall.ID != "tc_1" || first.Decision != ToolDecisionAccept {
		t.Fatalf("unexpected first: %+v", first)
	}
	second, ok := m.NextReady()
	if !ok || second.ToolCall.ID != "tc_2" || second.Decision != ToolDecisionReject {
		t.Fatalf("unexpected second: %+v", second)
	}

	if _, ok := m.NextReady(); ok {
		t.Fatal("expected NextReady to block on unresolved tc_3")
	}

	pending := m.PendingToolCallIDs()
	if len(pending) != 1 || pending[0] != "tc_3" {
		t.Fatalf("expected only tc_3 pending, got %v", pending)
	}
}

func TestApprovalMachinePolicyAppliesAutoApproveAndAutoDeny(t *testing.T) {
	policy := DefaultApprovalPolicy()
	policy.Allowlist = []string{"safe_tool"}
	policy.Denylist = []string{"danger_tool"}
	policy.DefaultDecision = ApprovalPending
	policy.AskFallback = true
	checker := NewApprovalChecker(policy)

	calls := []models.ToolCall{
		proposedCall("tc_1", "safe_tool"),
		proposedCall("tc_2", "danger_tool"),
		proposedCall("tc_3", "unknown_tool"),
	}
	m := NewApprovalStateMachine(checker, "agent-1", calls)

	first, ok := m.NextReady()
	if !ok || first.ToolCall.ID != "tc_1" || first.Decision != ToolDecisionAccept {
		t.Fatalf("expected auto-approved tc_1, got %+v ok=%v", first, ok)
	}
	second, ok := m.NextReady()
	if !ok || second.ToolCall.ID != "tc_2" || second.Decision != ToolDecisionReject {
		t.Fatalf("expected auto-denied tc_2, got %+v ok=%v", second, ok)
	}
	if _, ok := m.NextReady(); ok {
		t.Fatal("expected tc_3 to still require a decision")
	}

	pending := m.PendingToolCallIDs()
	if len(pending) != 1 || pending[0] != "tc_3" {
		t.Fatalf("expected only tc_3 pending, got %v", pending)
	}
}

func TestApprovalMachineResolveUnknownToolCallReturnsError(t *testing.T) {
	m := NewApprovalStateMachine(noApprovalChecker(), "agent-1", []models.ToolCall{proposedCall("tc_1", "tool_a")})

	err := m.ResolveTool("tc_missing", ToolDecisionAccept)
	if err == nil {
		t.Fatal("expected error for unknown tool_call_id")
	}
	var approvalErr *ApprovalError
	if !asApprovalError(err, &approvalErr) || approvalErr.ToolCallID != "tc_missing" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApprovalMachineResolveSameDecisionIsIdempotent(t *testing.T) {
	m := NewApprovalStateMachine(noApprovalChecker(), "agent-1", []models.ToolCall{proposedCall("tc_1", "tool_a")})

	if err := m.ResolveTool("tc_1", ToolDecisionAccept); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := m.ResolveTool("tc_1", ToolDecisionAccept); err != nil {
		t.Fatalf("idempotent resolve should not error: %v", err)
	}

	resolved, ok := m.NextReady()
	if !ok || resolved.Decision != ToolDecisionAccept {
		t.Fatalf("unexpected resolution: %+v ok=%v", resolved, ok)
	}
}

func TestApprovalMachineResolveConflictingDecisionAfterDispatchIsError(t *testing.T) {
	m := NewApprovalStateMachine(noApprovalChecker(), "agent-1", []models.ToolCall{proposedCall("tc_1", "tool_a")})

	if err := m.ResolveTool("tc_1", ToolDecisionAccept); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := m.NextReady(); !ok {
		t.Fatal("expected dispatch")
	}

	if err := m.ResolveTool("tc_1", ToolDecisionReject); err == nil {
		t.Fatal("expected error resolving dispatched entry with a different decision")
	}
}

func asApprovalError(err error, target **ApprovalError) bool {
	ae, ok := err.(*ApprovalError)
	if !ok {
		return false
	}
	*target = ae
	return true
}
