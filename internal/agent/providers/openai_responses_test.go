package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stakpak-dev/runtime/internal/agent"
)

func handleEvents(t *testing.T, acc *responsesAccumulator, events ...[2]string) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	for _, event := range events {
		chunks, err := acc.handleEvent(event[0], []byte(event[1]))
		if err != nil {
			t.Fatalf("handleEvent(%s) failed: %v", event[0], err)
		}
		out = append(out, chunks...)
	}
	return out
}

func TestResponsesAccumulatorTextDeltas(t *testing.T) {
	acc := newResponsesAccumulator()
	chunks := handleEvents(t, acc,
		[2]string{"response.created", `{"type":"response.created"}`},
		[2]string{"response.output_text.delta", `{"type":"response.output_text.delta","delta":"Hel"}`},
		[2]string{"response.output_text.delta", `{"type":"response.output_text.delta","delta":"lo"}`},
		[2]string{"response.completed", `{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":12,"output_tokens":3}}}`},
	)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[0].Text != "Hel" || chunks[1].Text != "lo" {
		t.Errorf("text deltas = %q, %q", chunks[0].Text, chunks[1].Text)
	}
	final := chunks[2]
	if !final.Done {
		t.Error("final chunk should be Done")
	}
	if final.InputTokens != 12 || final.OutputTokens != 3 {
		t.Errorf("usage = %d/%d, want 12/3", final.InputTokens, final.OutputTokens)
	}
}

func TestResponsesAccumulatorFunctionCall(t *testing.T) {
	acc := newResponsesAccumulator()
	chunks := handleEvents(t, acc,
		[2]string{"response.output_item.added", `{"type":"response.output_item.added","item":{"id":"item_1","type":"function_call","call_id":"call_abc","name":"view"}}`},
		[2]string{"response.function_call_arguments.delta", `{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"{\"path\":"}`},
		[2]string{"response.function_call_arguments.delta", `{"type":"response.function_call_arguments.delta","item_id":"item_1","delta":"\"README.md\"}"}`},
		[2]string{"response.output_item.done", `{"type":"response.output_item.done","item":{"id":"item_1","type":"function_call","call_id":"call_abc","name":"view"}}`},
	)

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 tool call", len(chunks))
	}
	call := chunks[0].ToolCall
	if call == nil {
		t.Fatal("expected a tool call chunk")
	}
	if call.ID != "call_abc" || call.Name != "view" {
		t.Errorf("call = %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Input, &args); err != nil {
		t.Fatalf("arguments not valid JSON: %v", err)
	}
	if args["path"] != "README.md" {
		t.Errorf("args = %v", args)
	}
}

func TestResponsesAccumulatorEmptyArguments(t *testing.T) {
	acc := newResponsesAccumulator()
	chunks := handleEvents(t, acc,
		[2]string{"response.output_item.added", `{"type":"response.output_item.added","item":{"id":"i1","type":"function_call","call_id":"c1","name":"list"}}`},
		[2]string{"response.output_item.done", `{"type":"response.output_item.done","item":{"id":"i1","type":"function_call","call_id":"c1","name":"list"}}`},
	)
	if len(chunks) != 1 || chunks[0].ToolCall == nil {
		t.Fatalf("chunks = %+v", chunks)
	}
	if string(chunks[0].ToolCall.Input) != "{}" {
		t.Errorf("empty arguments should become {}, got %s", chunks[0].ToolCall.Input)
	}
}

func TestResponsesAccumulatorMalformedArguments(t *testing.T) {
	acc := newResponsesAccumulator()
	handleEvents(t, acc,
		[2]string{"response.output_item.added", `{"type":"response.output_item.added","item":{"id":"i1","type":"function_call","call_id":"c1","name":"x"}}`},
		[2]string{"response.function_call_arguments.delta", `{"type":"response.function_call_arguments.delta","item_id":"i1","delta":"{\"oops\""}`},
	)
	_, err := acc.handleEvent("response.output_item.done", []byte(`{"type":"response.output_item.done","item":{"id":"i1","type":"function_call","call_id":"c1","name":"x"}}`))
	if err == nil {
		t.Fatal("truncated arguments should error the stream")
	}
}

func TestResponsesAccumulatorFailureEvents(t *testing.T) {
	acc := newResponsesAccumulator()
	chunks := handleEvents(t, acc,
		[2]string{"response.failed", `{"type":"response.failed","response":{"status":"failed","error":{"message":"model overloaded"}}}`},
	)
	if len(chunks) != 1 || chunks[0].Error == nil {
		t.Fatalf("chunks = %+v", chunks)
	}
	if !strings.Contains(chunks[0].Error.Error(), "model overloaded") {
		t.Errorf("error = %v", chunks[0].Error)
	}
}

func TestOpenAIResponsesProviderStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req responsesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("request should ask for a stream")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			"event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"Hi\"}\n\n",
			"event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"status\":\"completed\",\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n",
		}
		for _, frame := range frames {
			if _, err := w.Write([]byte(frame)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	provider, err := NewOpenAIResponsesProvider(OpenAIResponsesConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}

	chunks, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	var text string
	var done bool
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatalf("stream error: %v", chunk.Error)
		}
		text += chunk.Text
		if chunk.Done {
			done = true
		}
	}
	if text != "Hi" {
		t.Errorf("text = %q, want Hi", text)
	}
	if !done {
		t.Error("stream never completed")
	}
}
