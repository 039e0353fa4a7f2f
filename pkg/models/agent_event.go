package models

import "time"

// AgentEvent is the unified event record for everything a run does: one
// closed sum driving streaming consumers, plugins, the event log, and
// metrics. The Type discriminates; exactly one payload pointer is set.
// Sequence is monotonic within a run so consumers can re-order fanned-out
// events.
type AgentEvent struct {
	// Version allows additive evolution of the wire shape. Currently 1.
	Version int `json:"version"`

	Type      AgentEventType `json:"type"`
	Time      time.Time      `json:"time"`
	Sequence  uint64         `json:"seq"`
	RunID     string         `json:"run_id,omitempty"`
	TurnIndex int            `json:"turn_index,omitempty"`
	IterIndex int            `json:"iter_index,omitempty"`

	Text    *TextEventPayload    `json:"text,omitempty"`
	Tool    *ToolEventPayload    `json:"tool,omitempty"`
	Stream  *StreamEventPayload  `json:"stream,omitempty"`
	Error   *ErrorEventPayload   `json:"error,omitempty"`
	Stats   *StatsEventPayload   `json:"stats,omitempty"`
	Context *ContextEventPayload `json:"context,omitempty"`
}

// AgentEventType names one kind of agent event.
type AgentEventType string

const (
	// Run lifecycle.
	AgentEventRunStarted   AgentEventType = "run.started"
	AgentEventRunFinished  AgentEventType = "run.finished"
	AgentEventRunError     AgentEventType = "run.error"
	AgentEventRunCancelled AgentEventType = "run.cancelled"
	AgentEventRunTimedOut  AgentEventType = "run.timed_out"

	// Turn and iteration lifecycle.
	AgentEventTurnStarted  AgentEventType = "turn.started"
	AgentEventTurnFinished AgentEventType = "turn.finished"
	AgentEventIterStarted  AgentEventType = "iter.started"
	AgentEventIterFinished AgentEventType = "iter.finished"

	// Model streaming.
	AgentEventModelDelta     AgentEventType = "model.delta"
	AgentEventModelCompleted AgentEventType = "model.completed"

	// Tool lifecycle.
	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolStdout   AgentEventType = "tool.stdout"
	AgentEventToolStderr   AgentEventType = "tool.stderr"
	AgentEventToolFinished AgentEventType = "tool.finished"
	AgentEventToolTimedOut AgentEventType = "tool.timed_out"

	// Context reduction diagnostics.
	AgentEventContextPacked AgentEventType = "context.packed"
)

// TextEventPayload carries free-form status text.
type TextEventPayload struct {
	Text string `json:"text"`
}

// StreamEventPayload carries model output: incremental deltas during the
// stream, then provider identity and token counts on completion.
type StreamEventPayload struct {
	Delta        string `json:"delta,omitempty"`
	Final        string `json:"final,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ToolEventPayload carries a tool call's lifecycle. Arguments and results
// stay opaque bytes so the event model doesn't couple to tool schemas.
type ToolEventPayload struct {
	CallID     string        `json:"call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	ArgsJSON   []byte        `json:"args_json,omitempty"`
	Chunk      string        `json:"chunk,omitempty"`
	Success    bool          `json:"success,omitempty"`
	ResultJSON []byte        `json:"result_json,omitempty"`
	Elapsed    time.Duration `json:"elapsed,omitempty"`
}

// ErrorEventPayload carries a failure. Err preserves the original error
// for errors.Is checks in-process and never serializes.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
	Err       error  `json:"-"`
}

// StatsEventPayload attaches run statistics to a terminal event.
type StatsEventPayload struct {
	Run *RunStats `json:"run,omitempty"`
}

// RunStats summarizes one run, folded from its event stream.
type RunStats struct {
	RunID      string        `json:"run_id,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Turns int `json:"turns,omitempty"`
	Iters int `json:"iters,omitempty"`

	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolTimeouts int           `json:"tool_timeouts,omitempty"`

	ModelWallTime time.Duration `json:"model_wall_time,omitempty"`
	InputTokens   int           `json:"input_tokens,omitempty"`
	OutputTokens  int           `json:"output_tokens,omitempty"`

	ContextPacks int `json:"context_packs,omitempty"`

	Cancelled     bool `json:"cancelled,omitempty"`
	TimedOut      bool `json:"timed_out,omitempty"`
	DroppedEvents int  `json:"dropped_events,omitempty"`
	Errors        int  `json:"errors,omitempty"`
}

// ContextEventPayload explains one context-reduction pass: the budget,
// what was kept, and what was dropped.
type ContextEventPayload struct {
	BudgetChars    int `json:"budget_chars"`
	BudgetMessages int `json:"budget_messages"`
	UsedChars      int `json:"used_chars"`
	UsedMessages   int `json:"used_messages"`

	Candidates int `json:"candidates"`
	Included   int `json:"included"`
	Dropped    int `json:"dropped"`

	SummaryUsed  bool `json:"summary_used,omitempty"`
	SummaryChars int  `json:"summary_chars,omitempty"`

	Items []ContextPackItem `json:"items,omitempty"`
}

// ContextPackItem is one message's packing decision.
type ContextPackItem struct {
	ID       string            `json:"id,omitempty"`
	Kind     ContextItemKind   `json:"kind"`
	Chars    int               `json:"chars"`
	Included bool              `json:"included"`
	Reason   ContextPackReason `json:"reason,omitempty"`
}

// ContextItemKind categorizes packed items.
type ContextItemKind string

const (
	ContextItemSystem   ContextItemKind = "system"
	ContextItemHistory  ContextItemKind = "history"
	ContextItemTool     ContextItemKind = "tool"
	ContextItemSummary  ContextItemKind = "summary"
	ContextItemIncoming ContextItemKind = "incoming"
)

// ContextPackReason explains a packing decision.
type ContextPackReason string

const (
	ContextReasonIncluded   ContextPackReason = "included"
	ContextReasonReserved   ContextPackReason = "reserved"
	ContextReasonOverBudget ContextPackReason = "over_budget"
	ContextReasonTooOld     ContextPackReason = "too_old"
	ContextReasonFiltered   ContextPackReason = "filtered"
)
