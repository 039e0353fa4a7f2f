package agent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func TestPassthroughPreservesStructureAndOrder(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "user", Content: "First"},
		{Role: "assistant", Content: "Second", ToolCalls: nil},
		{Role: "user", Content: "Third"},
	}

	s := NewPassthroughStrategy()
	out := s.Reduce(messages)

	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	for i, m := range out {
		if m.Role != messages[i].Role || m.Content != messages[i].Content {
			t.Fatalf("message %d mutated: got %+v want %+v", i, m, messages[i])
		}
	}
}

func TestPassthroughEmptyMessages(t *testing.T) {
	out := NewPassthroughStrategy().Reduce(nil)
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d", len(out))
	}
}

func TestPassthroughPreservesToolCallsAndResults(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "assistant", Content: "Let me check.", ToolCalls: toolCalls("call_1", "view", `{"path":"a.txt"}`)},
		{Role: "tool", ToolResults: toolResults("call_1", "contents")},
	}
	out := NewPassthroughStrategy().Reduce(messages)
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].ID != "call_1" {
		t.Fatalf("tool call not preserved: %+v", out[0])
	}
	if len(out[1].ToolResults) != 1 || out[1].ToolResults[0].ToolCallID != "call_1" {
		t.Fatalf("tool result not preserved: %+v", out[1])
	}
}

func TestSimpleKeepsLastMessageIntact(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
		{Role: "user", Content: "final turn", Attachments: nil},
	}
	out := NewSimpleStrategy().Reduce(messages)
	if len(out) != 2 {
		t.Fatalf("expected flattened history + last message, got %d", len(out))
	}
	if out[1].Content != "final turn" {
		t.Fatalf("last message not preserved intact: %+v", out[1])
	}
	if !strings.Contains(out[0].Content, "hello") || !strings.Contains(out[0].Content, "hi there") {
		t.Fatalf("flattened history missing prior turns: %q", out[0].Content)
	}
}

func TestSimpleSingleMessage(t *testing.T) {
	messages := []CompletionMessage{{Role: "user", Content: "only"}}
	out := NewSimpleStrategy().Reduce(messages)
	if len(out) != 1 || out[0].Content != "only" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestScratchpadLaterTagsOverrideEarlier(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "assistant", Content: "<scratchpad><plan>old plan</plan></scratchpad>"},
		{Role: "assistant", Content: "<scratchpad><plan>new plan</plan><status>done</status></scratchpad>"},
	}
	out := NewScratchpadStrategy(HistoryProcessingOptions{}).Reduce(messages)
	if len(out) != 1 {
		t.Fatalf("expected single synthetic message, got %d", len(out))
	}
	if !strings.Contains(out[0].Content, "new plan") || strings.Contains(out[0].Content, "old plan") {
		t.Fatalf("expected later tag to override earlier: %q", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "<history>") {
		t.Fatalf("expected history section: %q", out[0].Content)
	}
}

func TestScratchpadNoBlocksStillEmitsHistory(t *testing.T) {
	messages := []CompletionMessage{{Role: "user", Content: "plain message"}}
	out := NewScratchpadStrategy(HistoryProcessingOptions{}).Reduce(messages)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if !strings.Contains(out[0].Content, "plain message") {
		t.Fatalf("history missing original content: %q", out[0].Content)
	}
}

func TestTaskBoardOmitsScratchpadSection(t *testing.T) {
	messages := []CompletionMessage{
		{Role: "assistant", Content: "<scratchpad><plan>ignored by task board</plan></scratchpad>"},
		{Role: "user", Content: "do the thing"},
	}
	out := NewTaskBoardStrategy(HistoryProcessingOptions{}).Reduce(messages)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if strings.Contains(out[0].Content, "<scratchpad>") {
		t.Fatalf("task board must not include a scratchpad section: %q", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "do the thing") {
		t.Fatalf("expected history content: %q", out[0].Content)
	}
}

func TestHistoryTruncationPreservesHeadAndTail(t *testing.T) {
	opts := HistoryProcessingOptions{
		ActionMessageSizeLimit: 20,
		ActionMessageKeepLastN: 0,
		ActionResultKeepLastN:  0,
		TruncationHint:         "consult the scratchpad instead",
	}
	long := strings.Repeat("x", 100)
	messages := []CompletionMessage{
		{Role: "assistant", Content: "call", ToolCalls: toolCalls("c1", "run", `{"cmd":"`+long+`"}`)},
	}
	history := messagesToHistory(messages, opts)
	if len(history) != 1 {
		t.Fatalf("expected 1 history item, got %d", len(history))
	}
	if !history[0].elided {
		t.Fatalf("expected item to be elided")
	}
	if !strings.HasPrefix(history[0].text, "call") {
		t.Fatalf("expected head preserved: %q", history[0].text)
	}
	if !strings.Contains(history[0].text, "consult the scratchpad instead") {
		t.Fatalf("expected truncation hint: %q", history[0].text)
	}
}

func TestContextStrategyByNameDefaultsToPassthrough(t *testing.T) {
	if _, ok := ContextStrategyByName("").(*PassthroughStrategy); !ok {
		t.Fatal("expected passthrough default for empty name")
	}
	if _, ok := ContextStrategyByName("bogus").(*PassthroughStrategy); !ok {
		t.Fatal("expected passthrough default for unknown name")
	}
	if _, ok := ContextStrategyByName("simple").(*SimpleStrategy); !ok {
		t.Fatal("expected simple strategy")
	}
	if _, ok := ContextStrategyByName("scratchpad").(*ScratchpadStrategy); !ok {
		t.Fatal("expected scratchpad strategy")
	}
	if _, ok := ContextStrategyByName("task-board").(*TaskBoardStrategy); !ok {
		t.Fatal("expected task-board strategy")
	}
}

func toolCalls(id, name, args string) []models.ToolCall {
	return []models.ToolCall{{ID: id, Name: name, Input: json.RawMessage(args)}}
}

func toolResults(id, content string) []models.ToolResult {
	return []models.ToolResult{{ToolCallID: id, Content: content}}
}
