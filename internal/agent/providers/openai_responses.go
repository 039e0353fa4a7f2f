package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// OpenAIResponsesProvider implements agent.LLMProvider against the OpenAI
// Responses API. Unlike Chat Completions, the Responses stream is made of
// typed SSE events (response.output_text.delta,
// response.function_call_arguments.delta, response.completed, ...) which
// map directly onto completion chunks without per-choice delta
// accumulation.
type OpenAIResponsesProvider struct {
	base       BaseProvider
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// OpenAIResponsesConfig configures the Responses API provider.
type OpenAIResponsesConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIResponsesProvider creates a Responses API provider.
func NewOpenAIResponsesProvider(cfg OpenAIResponsesConfig) (*OpenAIResponsesProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai-responses: api key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIResponsesProvider{
		base:       NewBaseProvider("openai-responses", 3, time.Second),
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (p *OpenAIResponsesProvider) Name() string { return "openai-responses" }

func (p *OpenAIResponsesProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4.1", Name: "GPT-4.1", ContextSize: 1000000, SupportsVision: true},
	}
}

func (p *OpenAIResponsesProvider) SupportsTools() bool { return true }

// responsesRequest is the POST /responses payload.
type responsesRequest struct {
	Model           string           `json:"model"`
	Input           []responsesInput `json:"input"`
	Instructions    string           `json:"instructions,omitempty"`
	Tools           []responsesTool  `json:"tools,omitempty"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
	Stream          bool             `json:"stream"`
}

type responsesInput struct {
	Type string `json:"type,omitempty"`
	Role string `json:"role,omitempty"`

	// Message content (type "" with a role).
	Content string `json:"content,omitempty"`

	// Function call echo (type "function_call").
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// Function result (type "function_call_output").
	Output string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func buildResponsesRequest(req *agent.CompletionRequest) responsesRequest {
	out := responsesRequest{
		Model:           req.Model,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Stream:          true,
	}
	for _, msg := range req.Messages {
		switch {
		case len(msg.ToolResults) > 0:
			for _, result := range msg.ToolResults {
				out.Input = append(out.Input, responsesInput{
					Type:   "function_call_output",
					CallID: result.ToolCallID,
					Output: result.Content,
				})
			}
		case len(msg.ToolCalls) > 0:
			if msg.Content != "" {
				out.Input = append(out.Input, responsesInput{Role: msg.Role, Content: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				out.Input = append(out.Input, responsesInput{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Name,
					Arguments: string(call.Input),
				})
			}
		default:
			out.Input = append(out.Input, responsesInput{Role: msg.Role, Content: msg.Content})
		}
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return out
}

// Complete streams one Responses API call.
func (p *OpenAIResponsesProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	payload, err := json.Marshal(buildResponsesRequest(req))
	if err != nil {
		return nil, p.wrapError(fmt.Errorf("encode request: %w", err), req.Model)
	}

	var resp *http.Response
	err = p.base.Retry(ctx, IsRetryable, func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(payload))
		if reqErr != nil {
			return p.wrapError(reqErr, req.Model)
		}
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		attempt, doErr := p.httpClient.Do(httpReq)
		if doErr != nil {
			return p.wrapError(doErr, req.Model)
		}
		if attempt.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(attempt.Body, 8192))
			attempt.Body.Close()
			providerErr := NewProviderError("openai-responses", req.Model, fmt.Errorf("responses api: %s", strings.TrimSpace(string(body))))
			return providerErr.WithStatus(attempt.StatusCode).WithRetryAfterHeaders(attempt.Header)
		}
		resp = attempt
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk, 10)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		p.consumeStream(ctx, resp.Body, chunks)
	}()
	return chunks, nil
}

func (p *OpenAIResponsesProvider) consumeStream(ctx context.Context, body io.Reader, chunks chan<- *agent.CompletionChunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	acc := newResponsesAccumulator()
	eventType := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			out, err := acc.handleEvent(eventType, []byte(data))
			if err != nil {
				emit(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, "")})
				return
			}
			for _, chunk := range out {
				if !emit(ctx, chunks, chunk) {
					return
				}
				if chunk.Done || chunk.Error != nil {
					return
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(fmt.Errorf("read stream: %w", err), "")})
		return
	}
	// The stream ended without a completion event; report termination so
	// the run loop doesn't hang on a truncated response.
	emit(ctx, chunks, &agent.CompletionChunk{Done: true})
}

func emit(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *OpenAIResponsesProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	return NewProviderError("openai-responses", model, err)
}

// responsesAccumulator tracks in-flight function calls across the typed
// event stream. Text needs no accumulation: output_text deltas are final
// the moment they arrive.
type responsesAccumulator struct {
	calls map[string]*responsesCall // keyed by item id
	done  bool
}

type responsesCall struct {
	callID string
	name   string
	args   strings.Builder
}

func newResponsesAccumulator() *responsesAccumulator {
	return &responsesAccumulator{calls: make(map[string]*responsesCall)}
}

type responsesEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`

	ItemID string `json:"item_id,omitempty"`
	Item   struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item,omitempty"`

	Response struct {
		Status string `json:"status"`
		Usage  struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response,omitempty"`

	Error struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// handleEvent routes one typed event to zero or more completion chunks.
func (a *responsesAccumulator) handleEvent(eventType string, data []byte) ([]*agent.CompletionChunk, error) {
	var event responsesEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if eventType == "" {
		eventType = event.Type
	}

	switch eventType {
	case "response.output_text.delta":
		if event.Delta == "" {
			return nil, nil
		}
		return []*agent.CompletionChunk{{Text: event.Delta}}, nil

	case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
		if event.Delta == "" {
			return nil, nil
		}
		return []*agent.CompletionChunk{{Thinking: event.Delta}}, nil

	case "response.output_item.added":
		if event.Item.Type == "function_call" {
			a.calls[event.Item.ID] = &responsesCall{
				callID: event.Item.CallID,
				name:   event.Item.Name,
			}
		}
		return nil, nil

	case "response.function_call_arguments.delta":
		if call, ok := a.calls[event.ItemID]; ok {
			call.args.WriteString(event.Delta)
		}
		return nil, nil

	case "response.output_item.done":
		if event.Item.Type != "function_call" {
			return nil, nil
		}
		call := a.calls[event.Item.ID]
		delete(a.calls, event.Item.ID)

		args := event.Item.Arguments
		if args == "" && call != nil {
			args = call.args.String()
		}
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, fmt.Errorf("invalid function call arguments for %s", event.Item.Name)
		}
		callID := event.Item.CallID
		if callID == "" && call != nil {
			callID = call.callID
		}
		name := event.Item.Name
		if name == "" && call != nil {
			name = call.name
		}
		return []*agent.CompletionChunk{{ToolCall: &models.ToolCall{
			ID:    callID,
			Name:  name,
			Input: json.RawMessage(args),
		}}}, nil

	case "response.completed", "response.incomplete":
		a.done = true
		return []*agent.CompletionChunk{{
			Done:         true,
			InputTokens:  event.Response.Usage.InputTokens,
			OutputTokens: event.Response.Usage.OutputTokens,
		}}, nil

	case "response.failed":
		message := "response failed"
		if event.Response.Error != nil && event.Response.Error.Message != "" {
			message = event.Response.Error.Message
		}
		return []*agent.CompletionChunk{{Error: fmt.Errorf("%s", message)}}, nil

	case "error":
		message := event.Error.Message
		if message == "" {
			message = "stream error"
		}
		return []*agent.CompletionChunk{{Error: fmt.Errorf("%s", message)}}, nil
	}

	// Unknown event types (created, in_progress, content_part boundaries,
	// ...) carry no chunk-level information.
	return nil, nil
}
