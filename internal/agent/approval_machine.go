package agent

import (
	"context"
	"fmt"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// ToolDecision is a user or policy decision on a single proposed tool call.
type ToolDecision string

const (
	// ToolDecisionAccept allows the tool call to execute.
	ToolDecisionAccept ToolDecision = "accept"
	// ToolDecisionReject blocks the tool call from executing.
	ToolDecisionReject ToolDecision = "reject"
)

type approvalEntryState int

const (
	entryPendingUserDecision approvalEntryState = iota
	entryReady
	entryDispatched
)

type approvalEntry struct {
	toolCall models.ToolCall
	state    approvalEntryState
	decision ToolDecision
}

// ResolvedToolCall pairs a proposed tool call with its final dispatch
// decision.
type ResolvedToolCall struct {
	ToolCall models.ToolCall
	Decision ToolDecision
}

// ApprovalError reports a state-machine usage error: an unknown tool call id
// or a tool call that was already resolved with a conflicting decision.
type ApprovalError struct {
	ToolCallID string
	Reason     string
}

func (e *ApprovalError) Error() string {
	return fmt.Sprintf("%s: tool_call_id %s", e.Reason, e.ToolCallID)
}

func errUnknownToolCallID(id string) error {
	return &ApprovalError{ToolCallID: id, Reason: "unknown tool_call_id"}
}

func errAlreadyResolved(id string) error {
	return &ApprovalError{ToolCallID: id, Reason: "tool_call_id is already resolved"}
}

// ApprovalStateMachine buffers decisions for a batch of proposed tool calls
// proposed in a single turn and dispatches them strictly in the order the
// model proposed them, even when the user resolves them out of order.
//
// A call whose policy action is Approve or Deny starts Ready; one whose
// action is Ask starts PendingUserDecision and blocks NextReady until the
// caller resolves it. Once dispatched via NextReady, an entry is terminal:
// re-resolving it with the same decision is a no-op, with a different
// decision is an error.
type ApprovalStateMachine struct {
	entries   []*approvalEntry
	nextIndex int
}

// NewApprovalStateMachine builds a state machine over toolCalls, seeding
// each entry's initial state from checker's policy decision for agentID.
func NewApprovalStateMachine(checker *ApprovalChecker, agentID string, toolCalls []models.ToolCall) *ApprovalStateMachine {
	entries := make([]*approvalEntry, len(toolCalls))
	for i, tc := range toolCalls {
		entry := &approvalEntry{toolCall: tc}
		if checker != nil {
			decision, _ := checker.Check(context.Background(), agentID, tc)
			switch decision {
			case ApprovalAllowed:
				entry.state = entryReady
				entry.decision = ToolDecisionAccept
			case ApprovalDenied:
				entry.state = entryReady
				entry.decision = ToolDecisionReject
			default:
				entry.state = entryPendingUserDecision
			}
		} else {
			entry.state = entryPendingUserDecision
		}
		entries[i] = entry
	}
	return &ApprovalStateMachine{entries: entries}
}

// PendingToolCallIDs returns the ids of entries still awaiting a user
// decision, in proposal order.
func (m *ApprovalStateMachine) PendingToolCallIDs() []string {
	var ids []string
	for _, e := range m.entries {
		if e.state == entryPendingUserDecision {
			ids = append(ids, e.toolCall.ID)
		}
	}
	return ids
}

// IsWaitingForUser reports whether any entry is still awaiting a decision.
func (m *ApprovalStateMachine) IsWaitingForUser() bool {
	for _, e := range m.entries {
		if e.state == entryPendingUserDecision {
			return true
		}
	}
	return false
}

// IsComplete reports whether every entry has been dispatched.
func (m *ApprovalStateMachine) IsComplete() bool {
	return m.nextIndex >= len(m.entries)
}

// ResolveTool records decision for toolCallID. Resolving an already-ready or
// already-dispatched entry with the same decision is a no-op; with a
// different decision it is an error.
func (m *ApprovalStateMachine) ResolveTool(toolCallID string, decision ToolDecision) error {
	for _, e := range m.entries {
		if e.toolCall.ID != toolCallID {
			continue
		}
		switch e.state {
		case entryPendingUserDecision:
			e.state = entryReady
			e.decision = decision
			return nil
		case entryReady, entryDispatched:
			if e.decision == decision {
				return nil
			}
			return errAlreadyResolved(toolCallID)
		}
	}
	return errUnknownToolCallID(toolCallID)
}

// ResolveTools resolves a batch of decisions keyed by tool call id. It
// stops at the first error but applies decisions in map iteration order, so
// a partial batch may already be applied when an error is returned.
func (m *ApprovalStateMachine) ResolveTools(decisions map[string]ToolDecision) error {
	for id, decision := range decisions {
		if err := m.ResolveTool(id, decision); err != nil {
			return err
		}
	}
	return nil
}

// NextReady advances the dispatch cursor to the next entry that is Ready,
// marks it Dispatched, and returns it. It returns false as soon as it
// reaches an entry still PendingUserDecision, preserving proposal order:
// later calls never dispatch ahead of an earlier unresolved one.
func (m *ApprovalStateMachine) NextReady() (ResolvedToolCall, bool) {
	for m.nextIndex < len(m.entries) {
		entry := m.entries[m.nextIndex]
		switch entry.state {
		case entryPendingUserDecision:
			return ResolvedToolCall{}, false
		case entryReady:
			entry.state = entryDispatched
			m.nextIndex++
			return ResolvedToolCall{ToolCall: entry.toolCall, Decision: entry.decision}, true
		case entryDispatched:
			m.nextIndex++
		}
	}
	return ResolvedToolCall{}, false
}
