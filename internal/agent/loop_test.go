package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// loopTestProvider replays scripted completion chunks, one script per
// provider call.
type loopTestProvider struct {
	responses   [][]CompletionChunk
	currentCall int32
}

func (p *loopTestProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	call := int(atomic.AddInt32(&p.currentCall, 1)) - 1
	ch := make(chan *CompletionChunk, 10)
	go func() {
		defer close(ch)
		if call >= len(p.responses) {
			return
		}
		for _, chunk := range p.responses[call] {
			chunk := chunk
			select {
			case ch <- &chunk:
			case <-ctx.Done():
				ch <- &CompletionChunk{Error: ctx.Err()}
				return
			}
		}
	}()
	return ch, nil
}

func (p *loopTestProvider) Name() string        { return "loop-test" }
func (p *loopTestProvider) Models() []Model     { return nil }
func (p *loopTestProvider) SupportsTools() bool { return true }

// loopMemoryStore is a minimal session store capturing appended messages.
type loopMemoryStore struct {
	history  []*models.Message
	messages []*models.Message
}

func newLoopMemoryStore() *loopMemoryStore {
	return &loopMemoryStore{}
}

func (s *loopMemoryStore) Create(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) Update(ctx context.Context, session *models.Session) error { return nil }
func (s *loopMemoryStore) Delete(ctx context.Context, id string) error               { return nil }
func (s *loopMemoryStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) List(ctx context.Context, agentID string, opts sessions.ListOptions) ([]*models.Session, error) {
	return nil, nil
}
func (s *loopMemoryStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}
func (s *loopMemoryStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	return s.history, nil
}

// testExecTool adapts a function to the Tool interface.
type testExecTool struct {
	name     string
	execFunc func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (m *testExecTool) Name() string            { return m.name }
func (m *testExecTool) Description() string     { return "test tool" }
func (m *testExecTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (m *testExecTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return m.execFunc(ctx, params)
}

func drainLoop(t *testing.T, ch <-chan *ResponseChunk) (string, []*models.ToolResult, error) {
	t.Helper()
	var text string
	var results []*models.ToolResult
	var runErr error
	for chunk := range ch {
		if chunk.Error != nil {
			runErr = chunk.Error
			continue
		}
		text += chunk.Text
		if chunk.ToolResult != nil {
			results = append(results, chunk.ToolResult)
		}
	}
	return text, results, runErr
}

func TestLoopSingleTurnNoTools(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{Text: "Hi"}, {Done: true}},
	}}
	store := newLoopMemoryStore()
	loop := NewAgenticLoop(provider, NewToolRegistry(), store, DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), &models.Session{ID: "s1"}, &models.Message{Role: models.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	text, _, runErr := drainLoop(t, ch)
	if runErr != nil {
		t.Fatalf("run error: %v", runErr)
	}
	if text != "Hi" {
		t.Errorf("text = %q", text)
	}

	// Persisted: the user message and the assistant reply.
	if len(store.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(store.messages))
	}
	if store.messages[0].Role != models.RoleUser || store.messages[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", store.messages[0].Role, store.messages[1].Role)
	}
}

func TestLoopToolRoundTrip(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{
			{Text: "Checking."},
			{ToolCall: &models.ToolCall{ID: "tc1", Name: "view", Input: json.RawMessage(`{"path":"README.md"}`)}},
			{Done: true},
		},
		{{Text: "Done."}, {Done: true}},
	}}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{name: "view", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "# Hello"}, nil
	}})

	store := newLoopMemoryStore()
	config := DefaultLoopConfig()
	config.ApprovalChecker = NewApprovalChecker(&ApprovalPolicy{Allowlist: []string{"view"}})
	loop := NewAgenticLoop(provider, registry, store, config)

	ch, err := loop.Run(context.Background(), &models.Session{ID: "s1"}, &models.Message{Role: models.RoleUser, Content: "read it"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	text, results, runErr := drainLoop(t, ch)
	if runErr != nil {
		t.Fatalf("run error: %v", runErr)
	}
	if text != "Checking.Done." {
		t.Errorf("text = %q", text)
	}
	if len(results) != 1 || results[0].Content != "# Hello" {
		t.Fatalf("tool results = %+v", results)
	}

	// Message order: User, Assistant(tool_calls), Tool(result), Assistant.
	roles := make([]models.Role, 0, len(store.messages))
	for _, m := range store.messages {
		roles = append(roles, m.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles[%d] = %s, want %s", i, roles[i], want[i])
		}
	}
	if store.messages[2].ToolResults[0].ToolCallID != "tc1" {
		t.Errorf("tool result pairing = %+v", store.messages[2].ToolResults)
	}
}

func TestLoopDeniedTool(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{
			{ToolCall: &models.ToolCall{ID: "tc1", Name: "danger", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		{{Text: "understood"}, {Done: true}},
	}}

	executed := false
	registry := NewToolRegistry()
	registry.Register(&testExecTool{name: "danger", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		executed = true
		return &ToolResult{Content: "boom"}, nil
	}})

	config := DefaultLoopConfig()
	config.ApprovalChecker = NewApprovalChecker(&ApprovalPolicy{Denylist: []string{"danger"}})
	loop := NewAgenticLoop(provider, registry, newLoopMemoryStore(), config)

	ch, err := loop.Run(context.Background(), &models.Session{ID: "s1"}, &models.Message{Role: models.RoleUser, Content: "do it"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, results, runErr := drainLoop(t, ch)
	if runErr != nil {
		t.Fatalf("run error: %v", runErr)
	}
	if executed {
		t.Error("denied tool must not execute")
	}
	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("results = %+v, want one synthetic rejection", results)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	// Every turn proposes another tool call, so the loop must stop at the
	// iteration cap with an error chunk.
	script := []CompletionChunk{
		{ToolCall: &models.ToolCall{ID: "tc", Name: "echo", Input: json.RawMessage(`{}`)}},
		{Done: true},
	}
	provider := &loopTestProvider{responses: [][]CompletionChunk{script, script, script, script}}

	registry := NewToolRegistry()
	registry.Register(&testExecTool{name: "echo", execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Content: "again"}, nil
	}})

	config := DefaultLoopConfig()
	config.MaxIterations = 2
	config.ApprovalChecker = NewApprovalChecker(&ApprovalPolicy{Allowlist: []string{"echo"}})
	loop := NewAgenticLoop(provider, registry, newLoopMemoryStore(), config)

	ch, err := loop.Run(context.Background(), &models.Session{ID: "s1"}, &models.Message{Role: models.RoleUser, Content: "loop"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, _, runErr := drainLoop(t, ch)
	if runErr == nil {
		t.Fatal("expected a max-iterations error")
	}
	var loopErr *LoopError
	if !errors.As(runErr, &loopErr) {
		t.Errorf("error type = %T", runErr)
	}
}

func TestLoopProviderErrorSurfaces(t *testing.T) {
	provider := &loopTestProvider{responses: [][]CompletionChunk{
		{{Error: errors.New("upstream exploded")}},
	}}
	loop := NewAgenticLoop(provider, NewToolRegistry(), newLoopMemoryStore(), DefaultLoopConfig())

	ch, err := loop.Run(context.Background(), &models.Session{ID: "s1"}, &models.Message{Role: models.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, _, runErr := drainLoop(t, ch)
	if runErr == nil {
		t.Fatal("provider error should surface")
	}
}
