package agent

import (
	"context"
	"encoding/json"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// LLMProvider is the provider adapter contract: one streaming completion
// method plus enough metadata to list and select models. Implementations
// normalize their vendor's wire format into CompletionChunk values.
type LLMProvider interface {
	// Complete opens one streaming completion. The channel closes when
	// the response ends; a chunk with Error set terminates the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name identifies the provider ("anthropic", "openai", ...).
	Name() string

	// Models lists the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether tool calling works on this provider.
	SupportsTools() bool
}

// CompletionRequest is one provider call: the reduced history, the system
// prompt, and the tool inventory.
type CompletionRequest struct {
	// Model to use; empty takes the provider default.
	Model string `json:"model"`

	// System is the system prompt, carried outside Messages because most
	// provider APIs take it separately.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may call this turn.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens bounds the response length; 0 takes the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking turns on extended reasoning for models that
	// support it, with ThinkingBudgetTokens bounding the spend.
	EnableThinking       bool `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int  `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one turn of the conversation in provider-neutral
// form. Role is "user", "assistant", "system", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk is one unit of a streaming response. Exactly one of
// the content fields is meaningful per chunk; Done marks the end, Error
// terminates the stream.
type CompletionChunk struct {
	// Text is an incremental piece of the reply.
	Text string `json:"text,omitempty"`

	// ToolCall is a completed tool invocation request. Providers emit it
	// only once the arguments are fully accumulated; not every provider
	// checks that they are valid JSON.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Thinking streams extended-reasoning text, delimited by the
	// ThinkingStart/ThinkingEnd markers.
	Thinking      string `json:"thinking,omitempty"`
	ThinkingStart bool   `json:"thinking_start,omitempty"`
	ThinkingEnd   bool   `json:"thinking_end,omitempty"`

	// Done marks successful stream completion; the token counts are
	// populated on this final chunk when the provider reports them.
	Done         bool `json:"done,omitempty"`
	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// Model describes one servable model.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the contract every agent tool implements: identity, a JSON
// schema for its parameters, and execution.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's output. Errors are results too (IsError), so
// the model can see and react to failures.
type ToolResult struct {
	Content   string     `json:"content"`
	IsError   bool       `json:"is_error,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a file or media blob a tool produced.
type Artifact struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ToolEventStore persists tool calls and results for audit.
type ToolEventStore interface {
	AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error
	AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResult) error
}

// ResponseChunk is the consumer-facing stream unit: reply text, tool
// results and progress events, artifacts, and terminal errors.
type ResponseChunk struct {
	Text          string             `json:"text,omitempty"`
	Thinking      string             `json:"thinking,omitempty"`
	ThinkingStart bool               `json:"thinking_start,omitempty"`
	ThinkingEnd   bool               `json:"thinking_end,omitempty"`
	ToolResult    *models.ToolResult `json:"tool_result,omitempty"`
	ToolEvent     *models.ToolEvent  `json:"tool_event,omitempty"`
	Artifacts     []Artifact         `json:"artifacts,omitempty"`
	Error         error              `json:"-"`
}
