// Package venice adapts the Venice OpenAI-compatible aggregator: chat
// completions over the standard SSE shape, with tool calls reassembled
// by index like any other OpenAI-compatible endpoint. The aggregator
// fronts both fully private models and proxied frontier models, so the
// catalog tracks each entry's privacy class.
package venice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/pkg/models"
)

const (
	// BaseURL is the aggregator's API endpoint.
	BaseURL = "https://api.venice.ai/api/v1"

	// DefaultModel is used when a request names no model.
	DefaultModel = "llama-3.3-70b"
)

// ModelCatalogEntry describes one aggregator model. Privacy is
// "private" (runs on Venice infrastructure, no logging) or
// "anonymized" (proxied to the upstream vendor with identity stripped).
type ModelCatalogEntry struct {
	ID            string
	Name          string
	Reasoning     bool
	Input         []string
	ContextWindow int
	MaxTokens     int
	Privacy       string
}

// VeniceCatalog is the static model catalog, used directly and as the
// metadata source when live discovery returns bare model ids.
var VeniceCatalog = []ModelCatalogEntry{
	{ID: "llama-3.3-70b", Name: "Llama 3.3 70B", Input: []string{"text"}, ContextWindow: 131072, MaxTokens: 8192, Privacy: "private"},
	{ID: "llama-3.2-3b", Name: "Llama 3.2 3B", Input: []string{"text"}, ContextWindow: 131072, MaxTokens: 8192, Privacy: "private"},
	{ID: "qwen3-235b-a22b-thinking-2507", Name: "Qwen3 235B Thinking", Reasoning: true, Input: []string{"text"}, ContextWindow: 131072, MaxTokens: 8192, Privacy: "private"},
	{ID: "deepseek-v3.2", Name: "DeepSeek V3.2", Reasoning: true, Input: []string{"text"}, ContextWindow: 163840, MaxTokens: 8192, Privacy: "private"},
	{ID: "claude-opus-45", Name: "Claude Opus 4.5 (via Venice)", Reasoning: true, Input: []string{"text", "image"}, ContextWindow: 202752, MaxTokens: 8192, Privacy: "anonymized"},
	{ID: "openai-gpt-52", Name: "GPT-5.2 (via Venice)", Reasoning: true, Input: []string{"text"}, ContextWindow: 262144, MaxTokens: 8192, Privacy: "anonymized"},
}

// VeniceConfig configures the provider; only APIKey is required.
type VeniceConfig struct {
	APIKey       string
	DefaultModel string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
}

// VeniceProvider implements the provider contract over the aggregator's
// OpenAI-compatible endpoint.
type VeniceProvider struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewVeniceProvider validates the config, fills defaults, and points an
// OpenAI-compatible client at the aggregator.
func NewVeniceProvider(cfg VeniceConfig) (*VeniceProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("venice: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL

	return &VeniceProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name identifies the provider.
func (p *VeniceProvider) Name() string {
	return "venice"
}

// Models lists the static catalog; DiscoverModels gives the live list.
func (p *VeniceProvider) Models() []agent.Model {
	out := make([]agent.Model, len(VeniceCatalog))
	for i, entry := range VeniceCatalog {
		out[i] = agent.Model{
			ID:             entry.ID,
			Name:           entry.Name,
			ContextSize:    entry.ContextWindow,
			SupportsVision: slices.Contains(entry.Input, "image"),
		}
	}
	return out
}

// SupportsTools reports tool-use support.
func (p *VeniceProvider) SupportsTools() bool {
	return true
}

// Complete opens one streaming chat completion, retrying transient
// failures on the initial connect.
func (p *VeniceProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if p.client == nil {
		return nil, errors.New("venice: API key not configured")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("venice: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	stream, err := p.openStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// openStream connects with linear backoff between attempts.
func (p *VeniceProvider) openStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			return stream, nil
		}
		if !isRetryableError(err) {
			return nil, fmt.Errorf("venice: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("venice: max retries exceeded: %w", lastErr)
}

// processStream forwards text deltas and accumulates indexed tool-call
// fragments, flushing complete calls on the tool_calls finish reason
// (or at EOF for servers that skip it).
func (p *VeniceProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	flush := func() {
		for _, tc := range pending {
			if tc.ID != "" && tc.Name != "" {
				chunks <- &agent.CompletionChunk{ToolCall: tc}
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
		if err != nil {
			if err == io.EOF {
				flush()
				chunks <- &agent.CompletionChunk{Done: true}
			} else {
				chunks <- &agent.CompletionChunk{Error: err, Done: true}
			}
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := pending[index]
			if acc == nil {
				acc = &models.ToolCall{}
				pending[index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				acc.Input = append(acc.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertMessages maps the neutral history onto OpenAI-compatible chat
// messages: the system prompt leads, tool results split into per-call
// "tool" role entries, and image attachments become multi-part content.
func convertMessages(messages []agent.CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case "assistant":
			oaiMsg := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, userMessage(msg))
		}
	}

	return result, nil
}

func userMessage(msg agent.CompletionMessage) openai.ChatCompletionMessage {
	oaiMsg := openai.ChatCompletionMessage{Role: msg.Role}

	var images []models.Attachment
	for _, att := range msg.Attachments {
		if att.Type == "image" {
			images = append(images, att)
		}
	}
	if len(images) == 0 {
		oaiMsg.Content = msg.Content
		return oaiMsg
	}

	if msg.Content != "" {
		oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, att := range images {
		oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.URL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return oaiMsg
}

func convertTools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// DiscoverModels asks the aggregator for its live model list, joining
// each id against the static catalog for metadata. Every failure mode
// falls back to the static catalog.
func DiscoverModels(ctx context.Context, apiKey string) ([]ModelCatalogEntry, error) {
	if apiKey == "" {
		return VeniceCatalog, nil
	}

	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL+"/models", nil)
	if err != nil {
		return VeniceCatalog, nil
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return VeniceCatalog, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return VeniceCatalog, nil
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil || len(listing.Data) == 0 {
		return VeniceCatalog, nil
	}

	byID := make(map[string]ModelCatalogEntry, len(VeniceCatalog))
	for _, entry := range VeniceCatalog {
		byID[entry.ID] = entry
	}

	out := make([]ModelCatalogEntry, 0, len(listing.Data))
	for _, m := range listing.Data {
		if entry, ok := byID[m.ID]; ok {
			out = append(out, entry)
			continue
		}
		out = append(out, ModelCatalogEntry{
			ID:            m.ID,
			Name:          m.ID,
			Input:         []string{"text"},
			ContextWindow: 32000,
			MaxTokens:     4096,
			Privacy:       "private",
		})
	}
	return out, nil
}

// GetModelInfo looks a model up in the static catalog.
func GetModelInfo(modelID string) *ModelCatalogEntry {
	for i := range VeniceCatalog {
		if VeniceCatalog[i].ID == modelID {
			return &VeniceCatalog[i]
		}
	}
	return nil
}

// IsPrivateModel reports whether the model runs fully private.
func IsPrivateModel(modelID string) bool {
	info := GetModelInfo(modelID)
	return info != nil && info.Privacy == "private"
}

// SupportsReasoning reports whether the model streams extended
// reasoning.
func SupportsReasoning(modelID string) bool {
	info := GetModelInfo(modelID)
	return info != nil && info.Reasoning
}
