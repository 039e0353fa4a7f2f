package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider against the Chat
// Completions streaming API. Tool calls arrive as per-index argument
// fragments that are reassembled and emitted complete when the finish
// reason says the turn's tool calls are done.
type OpenAIProvider struct {
	client *openai.Client
	base   BaseProvider
}

// NewOpenAIProvider creates a provider; an empty key defers the failure
// to the first Complete call.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	provider := &OpenAIProvider{base: NewBaseProvider("openai", 3, time.Second)}
	if apiKey != "" {
		provider.client = openai.NewClient(apiKey)
	}
	return provider
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4.1", Name: "GPT-4.1", ContextSize: 1000000, SupportsVision: true},
		{ID: "o1", Name: "o1", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete opens one streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := p.base.Retry(ctx, p.isRetryableError, func() error {
		opened, openErr := p.client.CreateChatCompletionStream(ctx, chatReq)
		if openErr != nil {
			return openErr
		}
		stream = opened
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.consumeStream(ctx, stream, chunks)
	return chunks, nil
}

// consumeStream reassembles the per-choice deltas into completion chunks.
func (p *OpenAIProvider) consumeStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)

	flushToolCalls := func() {
		for _, call := range pending {
			if call.ID != "" && call.Name != "" {
				if len(call.Input) == 0 {
					call.Input = json.RawMessage("{}")
				}
				chunks <- &agent.CompletionChunk{ToolCall: call}
			}
		}
		pending = make(map[int]*models.ToolCall)
	}

	for {
		if ctx.Err() != nil {
			chunks <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushToolCalls()
			chunks <- &agent.CompletionChunk{Done: true}
			return
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: err, Done: true}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, delta := range choice.Delta.ToolCalls {
			index := 0
			if delta.Index != nil {
				index = *delta.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if delta.ID != "" {
				call.ID = delta.ID
			}
			if delta.Function.Name != "" {
				call.Name = delta.Function.Name
			}
			if delta.Function.Arguments != "" {
				call.Input = append(call.Input, delta.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

// convertMessages maps the internal history to the chat-completions
// shape. Tool results expand to one message each; image attachments use
// the multi-part content form.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, result := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    result.Content,
					ToolCallID: result.ToolCallID,
				})
			}

		case "assistant":
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, converted)

		default:
			out = append(out, p.convertUserMessage(msg))
		}
	}
	return out
}

func (p *OpenAIProvider) convertUserMessage(msg agent.CompletionMessage) openai.ChatCompletionMessage {
	converted := openai.ChatCompletionMessage{Role: msg.Role}

	var imageParts []openai.ChatMessagePart
	for _, attachment := range msg.Attachments {
		if attachment.Type == "image" && attachment.URL != "" {
			imageParts = append(imageParts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    attachment.URL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	if len(imageParts) == 0 {
		converted.Content = msg.Content
		return converted
	}

	if msg.Content != "" {
		converted.MultiContent = append(converted.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	converted.MultiContent = append(converted.MultiContent, imageParts...)
	return converted
}

func (p *OpenAIProvider) convertTools(tools []agent.Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}
	return out
}

func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	message := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
