package agent

import (
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func TestRepairTranscriptDropsOrphanResults(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "ghost", Content: "orphan"}}},
		{Role: models.RoleAssistant, Content: "hello"},
	}

	repaired := repairTranscript(history)
	if len(repaired) != 2 {
		t.Fatalf("len = %d, want 2 (orphan tool message dropped)", len(repaired))
	}
	if repaired[1].Role != models.RoleAssistant {
		t.Errorf("order = %v", repaired)
	}
}

func TestRepairTranscriptKeepsPairedResults(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleUser, Content: "run it"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc1", Name: "view"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "tc1", Content: "ok"}}},
	}

	repaired := repairTranscript(history)
	if len(repaired) != 3 {
		t.Fatalf("len = %d, want 3", len(repaired))
	}
	if repaired[2].ToolResults[0].ToolCallID != "tc1" {
		t.Errorf("results = %+v", repaired[2].ToolResults)
	}
}

func TestRepairTranscriptMatchesMissingID(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc1", Name: "view"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{Content: "unlabeled"}}},
	}

	repaired := repairTranscript(history)
	if len(repaired) != 2 {
		t.Fatalf("len = %d, want 2", len(repaired))
	}
	if repaired[1].ToolResults[0].ToolCallID != "tc1" {
		t.Errorf("unlabeled result should bind to the oldest unanswered call, got %q", repaired[1].ToolResults[0].ToolCallID)
	}
}

func TestRepairTranscriptDropsDoubleAnswers(t *testing.T) {
	history := []*models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc1", Name: "view"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "tc1", Content: "first"}}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "tc1", Content: "second"}}},
	}

	repaired := repairTranscript(history)
	if len(repaired) != 2 {
		t.Fatalf("len = %d, want 2 (second answer dropped)", len(repaired))
	}
}
