package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/agent/toolconv"
	"github.com/stakpak-dev/runtime/pkg/models"
	"google.golang.org/genai"
)

// GoogleProvider adapts Gemini's streaming API. Function calls arrive
// complete rather than as argument fragments, so each one maps straight
// to a tool-call chunk with a synthesized id.
type GoogleProvider struct {
	client *genai.Client
	apiKey string

	// maxRetries and retryDelay drive the exponential retry schedule.
	maxRetries int
	retryDelay time.Duration

	// defaultModel fills in when the request omits a model.
	defaultModel string

	base BaseProvider
}

// GoogleConfig configures the provider; only APIKey is required.
type GoogleConfig struct {
	// APIKey authenticates against the Gemini API.
	APIKey string

	// MaxRetries and RetryDelay tune the retry schedule. Defaults: 3
	// attempts starting at 1s.
	MaxRetries int
	RetryDelay time.Duration

	// DefaultModel fills in when requests omit a model.
	DefaultModel string
}

// NewGoogleProvider validates the config and builds the SDK client.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		apiKey:       config.APIKey,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name identifies the provider.
func (p *GoogleProvider) Name() string {
	return "google"
}

// Models lists the servable Gemini models.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-2.0-flash-lite", Name: "Gemini 2.0 Flash Lite", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-flash-8b", Name: "Gemini 1.5 Flash-8B", ContextSize: 1000000, SupportsVision: true},
	}
}

// SupportsTools reports tool-use support.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete opens one streaming generation, retrying transient failures.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chunks := make(chan *agent.CompletionChunk)

	go func() {
		defer close(chunks)

		model := p.getModel(req.Model)
		contents, err := p.convertMessages(req.Messages)
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}
		config := p.buildConfig(req)

		err = p.base.Retry(ctx, p.isRetryableError, func() error {
			stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			if err := p.drainStream(ctx, stream, chunks); err != nil {
				return p.wrapError(err, model)
			}
			return nil
		})

		switch {
		case err == nil:
			chunks <- &agent.CompletionChunk{Done: true}
		case ctx.Err() != nil:
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
		case p.isRetryableError(err):
			chunks <- &agent.CompletionChunk{Error: fmt.Errorf("google: max retries exceeded: %w", err)}
		default:
			chunks <- &agent.CompletionChunk{Error: err}
		}
	}()

	return chunks, nil
}

// drainStream consumes the response iterator, forwarding text deltas
// and turning each FunctionCall part into a complete tool-call chunk.
func (p *GoogleProvider) drainStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk) error {
	for resp, err := range stream {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					chunks <- &agent.CompletionChunk{Text: part.Text}
				}
				if fc := part.FunctionCall; fc != nil {
					argsJSON, jsonErr := json.Marshal(fc.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					chunks <- &agent.CompletionChunk{ToolCall: &models.ToolCall{
						ID:    generateToolCallID(fc.Name),
						Name:  fc.Name,
						Input: argsJSON,
					}}
				}
			}
		}
	}
	return nil
}

// convertMessages maps the neutral history onto Gemini contents. System
// turns are skipped (carried as SystemInstruction); tool results travel
// back as user-role FunctionResponse parts keyed by tool name, since
// Gemini has no call ids.
func (p *GoogleProvider) convertMessages(messages []agent.CompletionMessage) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for _, att := range msg.Attachments {
			if att.Type != "image" {
				continue
			}
			part, err := p.convertAttachment(att)
			if err != nil {
				continue
			}
			content.Parts = append(content.Parts, part)
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		for _, tr := range msg.ToolResults {
			// Structured results pass through; plain text is wrapped so
			// the response is always a JSON object.
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     getToolNameFromID(tr.ToolCallID, messages),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

// convertAttachment turns an image attachment into an inline blob (data
// URLs) or a file reference (remote URLs).
func (p *GoogleProvider) convertAttachment(att models.Attachment) (*genai.Part, error) {
	if strings.HasPrefix(att.URL, "data:") {
		header, payload, ok := strings.Cut(att.URL, ",")
		if !ok {
			return nil, fmt.Errorf("invalid data URL format")
		}

		mimeType := strings.TrimPrefix(header, "data:")
		if semi := strings.Index(mimeType, ";"); semi >= 0 {
			mimeType = mimeType[:semi]
		}
		if mimeType == "" {
			mimeType = "image/jpeg"
		}

		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 data: %w", err)
		}
		return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}}, nil
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(att.URL)
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: att.URL, MIMEType: mimeType}}, nil
}

func (p *GoogleProvider) convertTools(tools []agent.Tool) []*genai.Tool {
	return toolconv.ToGeminiTools(tools)
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
	}
	return config
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// googleRetryNeedles are substrings of SDK error text that indicate a
// transient failure. The SDK surfaces most failures as flat strings, so
// classification is textual.
var googleRetryNeedles = []string{
	"rate limit", "429", "too many requests", "resource exhausted", "quota",
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	"timeout", "deadline exceeded",
	"connection reset", "connection refused", "no such host",
}

func (p *GoogleProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	errMsg := strings.ToLower(err.Error())
	for _, needle := range googleRetryNeedles {
		if strings.Contains(errMsg, needle) {
			return true
		}
	}
	return false
}

// wrapError folds an SDK error into a classified ProviderError,
// recovering the HTTP status from the error text where possible.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError("google", model, err)
	errMsg := strings.ToLower(err.Error())
	statusNeedles := []struct {
		status  int
		needles []string
	}{
		{http.StatusUnauthorized, []string{"401", "unauthenticated"}},
		{http.StatusForbidden, []string{"403", "permission denied"}},
		{http.StatusNotFound, []string{"404", "not found"}},
		{http.StatusTooManyRequests, []string{"429", "resource exhausted"}},
		{http.StatusInternalServerError, []string{"500"}},
		{http.StatusServiceUnavailable, []string{"503"}},
	}
	for _, row := range statusNeedles {
		for _, needle := range row.needles {
			if strings.Contains(errMsg, needle) {
				return providerErr.WithStatus(row.status)
			}
		}
	}
	return providerErr
}

// CountTokens estimates the request's prompt tokens from its character
// count; good enough for window sizing without an API round trip.
func (p *GoogleProvider) CountTokens(req *agent.CompletionRequest) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content)/4 + len(msg.Role)/4
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name)/4 + len(tc.Input)/4
		}
		for _, tr := range msg.ToolResults {
			total += len(tr.Content) / 4
		}
	}
	for _, tool := range req.Tools {
		total += len(tool.Name())/4 + len(tool.Description())/4 + len(tool.Schema())/4
	}
	return total
}

// generateToolCallID synthesizes a call id, since Gemini provides none.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// getToolNameFromID recovers the tool name for a result: by matching a
// prior call's id, falling back to the "call_<name>_<ts>" id shape.
func getToolNameFromID(toolCallID string, messages []agent.CompletionMessage) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	parts := strings.Split(toolCallID, "_")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func guessMimeType(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(lower, ".pdf"):
		return "application/pdf"
	default:
		return "image/jpeg"
	}
}
