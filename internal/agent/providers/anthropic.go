// Package providers implements the LLM provider adapters: each one
// normalizes its vendor's streaming wire format into the runtime's
// completion-chunk stream, with retries and typed error classification.
package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// AnthropicProvider adapts Anthropic's Messages API: a state machine
// over message_start / content_block_delta / message_stop events tracks
// the currently open content block and reassembles streamed tool-call
// input into complete calls. Safe for concurrent use; every Complete call owns its
// stream.
type AnthropicProvider struct {
	client anthropic.Client
	apiKey string

	// maxRetries and retryDelay drive the exponential retry schedule for
	// transient failures (429s, 5xx, timeouts).
	maxRetries int
	retryDelay time.Duration

	// defaultModel fills in when the request omits a model.
	defaultModel string
}

// AnthropicConfig configures the provider; only APIKey is required.
type AnthropicConfig struct {
	// APIKey authenticates against the API (sk-ant-...).
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// MaxRetries and RetryDelay tune the retry schedule. Defaults: 3
	// retries after the first attempt, starting at 1s.
	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel fills in when requests omit a model.
	DefaultModel string
}

// NewAnthropicProvider validates the config, fills defaults, and builds
// the SDK client.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	// Apply defaults for optional configuration
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	// Initialize the Anthropic SDK client with API key
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return &AnthropicProvider{
		client:       client,
		apiKey:       config.APIKey,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name identifies the provider.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Models lists the servable Claude models.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{
			ID:             "claude-sonnet-4-20250514",
			Name:           "Claude Sonnet 4",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-opus-4-20250514",
			Name:           "Claude Opus 4",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-5-sonnet-20241022",
			Name:           "Claude 3.5 Sonnet",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-opus-20240229",
			Name:           "Claude 3 Opus",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-sonnet-20240229",
			Name:           "Claude 3 Sonnet",
			ContextSize:    200000,
			SupportsVision: true,
		},
		{
			ID:             "claude-3-haiku-20240307",
			Name:           "Claude 3 Haiku",
			ContextSize:    200000,
			SupportsVision: true,
		},
	}
}

// SupportsTools reports tool-use support; Claude models all have it.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete opens one streaming completion. Transient failures retry
// with exponential backoff; stream-time errors arrive as chunks with
// Error set.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		// Convert request to Anthropic format with retries
		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		// Retry loop with exponential backoff for transient failures
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}

			// Check if error is retryable (rate limits, server errors, etc.)
			wrappedErr := p.wrapError(err, p.getModel(req.Model))
			if !p.isRetryableError(wrappedErr) {
				chunks <- &agent.CompletionChunk{Error: wrappedErr}
				return
			}

			// Exponential backoff: delay = baseDelay * 2^attempt
			// Example with 1s base and 3 retries: 1s, 2s, 4s
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					// Context cancelled or timed out during retry
					chunks <- &agent.CompletionChunk{Error: ctx.Err()}
					return
				case <-time.After(backoff):
					// Wait for backoff period before next retry
					continue
				}
			}
		}

		if err != nil {
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, p.getModel(req.Model)))}
			return
		}

		// Process streaming events and send chunks to channel
		p.processStream(stream, chunks, p.getModel(req.Model))
	}()

	return chunks, nil
}

// createStream converts the request to Anthropic's shape and opens the
// SSE stream.
func (p *AnthropicProvider) createStream(ctx context.Context, req *agent.CompletionRequest) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	// Convert messages
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	// Build Anthropic API parameters
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	// Add system prompt if provided (separate from messages in Anthropic API)
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	// Add tool definitions if provided
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	// Enable extended thinking if requested
	if req.EnableThinking {
		budgetTokens := int64(req.ThinkingBudgetTokens)
		if budgetTokens < 1024 {
			budgetTokens = 10000 // Default budget if not specified or too low
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budgetTokens)
	}

	// Create streaming request using Anthropic SDK
	stream := p.client.Messages.NewStreaming(ctx, params)

	return stream, nil
}

// anthropicStream accumulates the per-stream state: the tool call being
// assembled, whether a thinking block is open, token counts, and the
// consecutive-empty-event counter that detects malformed streams.
// maxEmptyStreamEvents caps consecutive no-op SSE events before the
// stream is considered malformed and aborted.
const maxEmptyStreamEvents = 100

type anthropicStream struct {
	provider *AnthropicProvider
	chunks   chan<- *agent.CompletionChunk
	model    string

	pendingTool  *models.ToolCall
	pendingInput strings.Builder
	inThinking   bool
	emptyEvents  int
	inputTokens  int
	outputTokens int
}

// processStream walks the SSE events to completion. Returns on
// message_stop, a server error event, or a malformed stream.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	s := &anthropicStream{provider: p, chunks: chunks, model: model}

	for stream.Next() {
		done, err := s.handleEvent(stream.Current())
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}
		if done {
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// handleEvent dispatches one stream event. done=true ends the stream;
// a non-nil error aborts it.
func (s *anthropicStream) handleEvent(event anthropic.MessageStreamEventUnion) (bool, error) {
	processed := false

	switch event.Type {
	case "message_start":
		if usage := event.AsMessageStart().Message.Usage; usage.InputTokens > 0 {
			s.inputTokens = int(usage.InputTokens)
		}
		processed = true

	case "content_block_start":
		processed = s.startBlock(event)

	case "content_block_delta":
		processed = s.applyDelta(event)

	case "content_block_stop":
		processed = s.stopBlock()

	case "message_delta":
		if usage := event.AsMessageDelta().Usage; usage.OutputTokens > 0 {
			s.outputTokens = int(usage.OutputTokens)
		}
		processed = true

	case "message_stop":
		s.chunks <- &agent.CompletionChunk{
			Done:         true,
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
		}
		return true, nil

	case "error":
		return false, errors.New("anthropic stream error")
	}

	// A healthy stream never produces long runs of no-op events.
	if processed {
		s.emptyEvents = 0
	} else {
		s.emptyEvents++
		if s.emptyEvents >= maxEmptyStreamEvents {
			return false, fmt.Errorf("stream appears malformed: received %d consecutive empty events", s.emptyEvents)
		}
	}
	return false, nil
}

func (s *anthropicStream) startBlock(event anthropic.MessageStreamEventUnion) bool {
	block := event.AsContentBlockStart().ContentBlock
	switch block.Type {
	case "thinking":
		s.inThinking = true
		s.chunks <- &agent.CompletionChunk{ThinkingStart: true}
		return true
	case "tool_use":
		toolUse := block.AsToolUse()
		s.pendingTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
		s.pendingInput.Reset()
		return true
	}
	return false
}

func (s *anthropicStream) applyDelta(event anthropic.MessageStreamEventUnion) bool {
	delta := event.AsContentBlockDelta().Delta
	switch delta.Type {
	case "text_delta":
		if delta.Text != "" {
			s.chunks <- &agent.CompletionChunk{Text: delta.Text}
			return true
		}
	case "thinking_delta":
		if delta.Thinking != "" {
			s.chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
			return true
		}
	case "input_json_delta":
		if delta.PartialJSON != "" {
			s.pendingInput.WriteString(delta.PartialJSON)
			return true
		}
	}
	return false
}

// stopBlock closes whichever block is open: thinking blocks emit their
// end marker, tool blocks emit the completed call with its accumulated
// input.
func (s *anthropicStream) stopBlock() bool {
	if s.inThinking {
		s.chunks <- &agent.CompletionChunk{ThinkingEnd: true}
		s.inThinking = false
		return true
	}
	if s.pendingTool != nil {
		s.pendingTool.Input = json.RawMessage(s.pendingInput.String())
		s.chunks <- &agent.CompletionChunk{ToolCall: s.pendingTool}
		s.pendingTool = nil
		return true
	}
	return false
}

// convertMessages maps the neutral history onto Anthropic messages.
// System turns are skipped (carried in params.System); tool results and
// tool calls become their own content blocks; tool-role messages travel
// as user messages, which is how the API expects results back.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block := imageBlockFromAttachment(att); block != nil {
				content = append(content, *block)
			}
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(toolCall.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// imageBlockFromAttachment converts a base64 data-URL image attachment
// into an inline image block. Attachments of other types, or with plain
// URLs, are skipped.
func imageBlockFromAttachment(att models.Attachment) *anthropic.ContentBlockParamUnion {
	if att.Type != "image" {
		return nil
	}
	mediaType, data, ok := parseDataURL(att.URL)
	if !ok {
		return nil
	}
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		return nil
	}
	block := anthropic.NewImageBlockBase64(mediaType, data)
	return &block
}

func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

// convertTools converts internal tool definitions to Anthropic API format.
//
// This method translates tool definitions from our internal format to Anthropic's
// tool schema. Each tool includes:
//   - Name: Function identifier for the LLM
//   - Description: Natural language description of what the tool does
//   - Input schema: JSON Schema defining required/optional parameters
//
// Parameters:
//   - tools: Internal tool definitions implementing agent.Tool interface
//
// Returns:
//   - []anthropic.ToolUnionParam: Anthropic-formatted tool definitions
//   - error: Returns error if tool schema JSON is invalid
//
// Errors:
//   - "invalid tool schema for {name}": When tool.Schema() returns invalid JSON
//
// Example:
//
//	Internal tool:
//	  Name: "calculator"
//	  Description: "Performs basic arithmetic"
//	  Schema: {"type":"object","properties":{"operation":{"type":"string"}}}
//
//	Converts to Anthropic tool definition with same name, description, and schema.
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		// Parse JSON schema into Anthropic's schema format
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		// Create tool parameter with schema and name
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name())

		// Set description if we can access the underlying ToolParam
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description())

		result = append(result, toolParam)
	}

	return result, nil
}

// getModel falls back to the provider default when the request omits one.
func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// getMaxTokens falls back to 4096 when the request sets no limit.
func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// isRetryableError classifies transient failures worth retrying.
func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}

	errMsg := err.Error()

	// Rate limit errors - API is throttling requests
	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}

	// Server errors (5xx) - temporary Anthropic infrastructure issues
	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "gateway timeout") {
		return true
	}

	// Timeout errors - request took too long
	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return true
	}

	// Connection errors - network connectivity issues
	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}

	return false
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)
		if apiErr.Response != nil {
			providerErr = providerErr.WithRetryAfterHeaders(apiErr.Response.Header)
		}

		message := ""
		code := ""
		requestID := apiErr.RequestID

		raw := apiErr.RawJSON()
		if raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					message = payload.Error.Message
				}
				if payload.Error.Type != "" {
					code = payload.Error.Type
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}

// CountTokens estimates the request's prompt tokens from its character
// count; good enough for window sizing without an API round trip.
func (p *AnthropicProvider) CountTokens(req *agent.CompletionRequest) int {
	// Simple character-based estimation: ~4 chars per token
	total := 0

	// Count system prompt tokens
	total += len(req.System) / 4

	// Count message content and metadata
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		total += len(msg.Role) / 4

		// Count tool calls (name + JSON arguments)
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) / 4
			total += len(tc.Input) / 4
		}

		// Count tool results
		for _, tr := range msg.ToolResults {
			total += len(tr.Content) / 4
		}
	}

	// Count tool definitions (name + description + JSON schema)
	for _, tool := range req.Tools {
		total += len(tool.Name()) / 4
		total += len(tool.Description()) / 4
		total += len(tool.Schema()) / 4
	}

	return total
}

// ParseSSEStream reads server-sent events from reader, invoking handler
// per event. Used by tests to drive the stream state machine directly.
func ParseSSEStream(reader io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(reader)
	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line signals end of event - process accumulated data
		if line == "" {
			if eventType != "" || len(dataLines) > 0 {
				// Join multi-line data with newlines
				data := strings.Join(dataLines, "\n")
				if err := handler(eventType, data); err != nil {
					return err
				}
				// Reset for next event
				eventType = ""
				dataLines = nil
			}
			continue
		}

		// Parse event type line
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			// Parse data line (may be multiple per event)
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			dataLines = append(dataLines, data)
		}
		// Ignore other line types (comments starting with :, id:, retry:)
	}

	return scanner.Err()
}
