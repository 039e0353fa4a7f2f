package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/eventlog"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/sessions/checkpoint"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// scriptedProvider replies with fixed text to every completion request.
type scriptedProvider struct {
	reply string
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk, 2)
	out <- &agent.CompletionChunk{Text: p.reply}
	out <- &agent.CompletionChunk{Done: true}
	close(out)
	return out, nil
}

func (p *scriptedProvider) Name() string          { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model { return nil }
func (p *scriptedProvider) SupportsTools() bool   { return false }

func inboundTelegramMessage(text, peer string) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelTelegram,
		ChannelID: peer,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		Metadata:  map[string]any{MetaUserID: peer, MetaChatID: peer},
	}
}

func TestHandleInboundRunsAgentAndReplies(t *testing.T) {
	adapter := &recordingAdapter{channelType: models.ChannelTelegram}
	registry := channels.NewRegistry()
	registry.Register(adapter)

	store := sessions.NewMemoryStore()
	runtime := agent.NewRuntime(&scriptedProvider{reply: "hello from the agent"}, store)

	cpStore := checkpoint.NewFileStore(t.TempDir())
	server := NewServer(nil, nil, store, registry,
		WithRuntime(runtime),
		WithEventLog(eventlog.New(32)),
		WithCheckpointStore(cpStore),
	)

	runs := sessions.NewRunRegistry()
	server.handleInbound(context.Background(), runs, inboundTelegramMessage("hi", "peer-1"))

	sent := adapter.Sent()
	if len(sent) == 0 {
		t.Fatal("no reply delivered")
	}
	var combined strings.Builder
	for _, msg := range sent {
		combined.WriteString(msg.Content)
	}
	if !strings.Contains(combined.String(), "hello from the agent") {
		t.Errorf("reply = %q", combined.String())
	}

	// The run must have released its slot and checkpointed the session.
	session, err := store.GetByKey(context.Background(), "telegram:dm:peer-1")
	if err != nil || session == nil {
		t.Fatalf("session missing: %v", err)
	}
	if runs.IsActive(session.ID) {
		t.Error("run slot still held after completion")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := cpStore.Load(context.Background(), session.ID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("checkpoint never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	envelope, ok, err := cpStore.Load(context.Background(), session.ID)
	if err != nil || !ok {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(envelope.Messages) < 2 {
		t.Errorf("checkpoint has %d messages, want at least user+assistant", len(envelope.Messages))
	}
}

func TestHandleInboundRejectsConcurrentRun(t *testing.T) {
	adapter := &recordingAdapter{channelType: models.ChannelTelegram}
	registry := channels.NewRegistry()
	registry.Register(adapter)

	store := sessions.NewMemoryStore()
	runtime := agent.NewRuntime(&scriptedProvider{reply: "ok"}, store)
	server := NewServer(nil, nil, store, registry, WithRuntime(runtime))

	runs := sessions.NewRunRegistry()
	session, err := store.GetOrCreate(context.Background(), "telegram:dm:busy", "main", models.ChannelTelegram, "busy")
	if err != nil {
		t.Fatal(err)
	}
	handle, err := runs.BeginRun(session.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer handle.End()

	server.handleInbound(context.Background(), runs, inboundTelegramMessage("second message", "busy"))

	sent := adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1 busy notice", len(sent))
	}
	if !strings.Contains(sent[0].Content, "already active") {
		t.Errorf("busy notice = %q", sent[0].Content)
	}
}
