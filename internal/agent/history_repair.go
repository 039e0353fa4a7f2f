package agent

import "github.com/stakpak-dev/runtime/pkg/models"

// repairTranscript enforces the pairing invariant on a loaded history:
// every tool result must answer a tool call from the assistant message
// immediately before it. Results that answer nothing (crash between turn
// and tool execution, manual store edits) are dropped, and a result with
// no id is matched to the oldest unanswered call. Providers reject the
// request outright when the pairing is broken, so repairing here is what
// makes old sessions resumable.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	repaired := make([]*models.Message, 0, len(history))
	var unanswered []string

	answer := func(id string) bool {
		for i, pending := range unanswered {
			if pending == id {
				unanswered = append(unanswered[:i], unanswered[i+1:]...)
				return true
			}
		}
		return false
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case models.RoleAssistant:
			// A new assistant turn abandons any still-unanswered calls.
			unanswered = unanswered[:0]
			for _, call := range msg.ToolCalls {
				if call.ID != "" {
					unanswered = append(unanswered, call.ID)
				}
			}
			repaired = append(repaired, msg)

		case models.RoleTool:
			kept := make([]models.ToolResult, 0, len(msg.ToolResults))
			for _, result := range msg.ToolResults {
				if result.ToolCallID == "" && len(unanswered) > 0 {
					result.ToolCallID = unanswered[0]
				}
				if result.ToolCallID != "" && answer(result.ToolCallID) {
					kept = append(kept, result)
				}
			}
			if len(kept) == 0 {
				continue
			}
			copied := *msg
			copied.ToolResults = kept
			repaired = append(repaired, &copied)

		default:
			repaired = append(repaired, msg)
		}
	}
	return repaired
}
