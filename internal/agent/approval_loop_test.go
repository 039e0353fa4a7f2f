package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// TestAgenticLoop_AwaitDecisionsInOrderDispatch drives a turn where the
// first proposed call needs a user decision and the second is
// pre-approved by policy. The pre-approved call must not execute until
// the earlier pending one is resolved, and both must run in proposal
// order once it is.
func TestAgenticLoop_AwaitDecisionsInOrderDispatch(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "guarded", Input: json.RawMessage(`{}`)}},
				{ToolCall: &models.ToolCall{ID: "call-2", Name: "free", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "done"},
				{Done: true},
			},
		},
	}

	var mu sync.Mutex
	var executionOrder []string
	record := func(name string) func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			mu.Lock()
			executionOrder = append(executionOrder, name)
			mu.Unlock()
			return &ToolResult{Content: name + " ok"}, nil
		}
	}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{name: "guarded", execFunc: record("guarded")})
	registry.Register(&testExecTool{name: "free", execFunc: record("free")})

	var askedFor []string
	config := DefaultLoopConfig()
	config.ApprovalChecker = NewApprovalChecker(&ApprovalPolicy{
		Allowlist:       []string{"free"},
		DefaultDecision: ApprovalPending,
	})
	config.AwaitDecisions = func(ctx context.Context, pending []string) (map[string]ToolDecision, error) {
		askedFor = append(askedFor, pending...)
		decisions := make(map[string]ToolDecision, len(pending))
		for _, id := range pending {
			decisions[id] = ToolDecisionAccept
		}
		return decisions, nil
	}

	loop := NewAgenticLoop(provider, registry, newLoopMemoryStore(), config)
	session := &models.Session{ID: "session-1"}
	msg := &models.Message{Role: models.RoleUser, Content: "run both"}

	ch, err := loop.Run(context.Background(), session, msg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error: %v", chunk.Error)
		}
	}

	if len(askedFor) != 1 || askedFor[0] != "call-1" {
		t.Errorf("AwaitDecisions asked for %v, want [call-1]", askedFor)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(executionOrder) != 2 || executionOrder[0] != "guarded" || executionOrder[1] != "free" {
		t.Errorf("execution order = %v, want [guarded free]", executionOrder)
	}
}

// TestAgenticLoop_PendingWithoutDecisionSourceRejects verifies headless
// behavior: with no AwaitDecisions hook a pending call resolves to an
// approval-required error result and the run continues.
func TestAgenticLoop_PendingWithoutDecisionSourceRejects(t *testing.T) {
	provider := &loopTestProvider{
		responses: [][]CompletionChunk{
			{
				{ToolCall: &models.ToolCall{ID: "call-1", Name: "guarded", Input: json.RawMessage(`{}`)}},
				{Done: true},
			},
			{
				{Text: "understood"},
				{Done: true},
			},
		},
	}

	executed := false
	registry := NewToolRegistry()
	registry.Register(&testExecTool{name: "guarded", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		executed = true
		return &ToolResult{Content: "should not run"}, nil
	}})

	config := DefaultLoopConfig()
	config.StreamToolResults = true
	config.ApprovalChecker = NewApprovalChecker(&ApprovalPolicy{DefaultDecision: ApprovalPending})

	loop := NewAgenticLoop(provider, registry, newLoopMemoryStore(), config)
	session := &models.Session{ID: "session-1"}
	msg := &models.Message{Role: models.RoleUser, Content: "try it"}

	ch, err := loop.Run(context.Background(), session, msg)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var toolResults []*models.ToolResult
	var text string
	for chunk := range ch {
		if chunk.Error != nil {
			t.Fatalf("unexpected error: %v", chunk.Error)
		}
		text += chunk.Text
		if chunk.ToolResult != nil {
			toolResults = append(toolResults, chunk.ToolResult)
		}
	}

	if executed {
		t.Error("pending tool must not execute without a decision")
	}
	if len(toolResults) != 1 {
		t.Fatalf("got %d tool results, want 1", len(toolResults))
	}
	if !toolResults[0].IsError || !strings.Contains(toolResults[0].Content, "approval required") {
		t.Errorf("tool result = %+v, want approval-required error", toolResults[0])
	}
	if text != "understood" {
		t.Errorf("text = %q, want the follow-up turn to run", text)
	}
}
