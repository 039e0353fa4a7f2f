package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/pkg/models"
)

func newChatPolicyServer(t *testing.T) (*Server, *recordingAdapter, *models.Session) {
	t.Helper()
	adapter := &recordingAdapter{channelType: models.ChannelTelegram}
	registry := channels.NewRegistry()
	registry.Register(adapter)
	store := sessions.NewMemoryStore()
	server := NewServer(nil, nil, store, registry)

	session, err := store.GetOrCreate(context.Background(), "telegram:group:g1", "main", models.ChannelTelegram, "g1")
	if err != nil {
		t.Fatal(err)
	}
	return server, adapter, session
}

func TestActivationCommandSetsMode(t *testing.T) {
	server, adapter, session := newChatPolicyServer(t)
	msg := inboundTelegramMessage("/activation always", "u1")

	if !server.maybeHandleChatPolicyCommand(context.Background(), session, msg) {
		t.Fatal("command not handled")
	}
	if mode := server.groupActivationMode(session); mode != "always" {
		t.Errorf("mode = %q, want always", mode)
	}
	if sent := adapter.Sent(); len(sent) != 1 || !strings.Contains(sent[0].Content, "always") {
		t.Errorf("reply = %+v", sent)
	}
}

func TestGroupActivationGating(t *testing.T) {
	server, _, session := newChatPolicyServer(t)

	plain := &models.Message{Channel: models.ChannelTelegram, Content: "hello", Metadata: map[string]any{MetaIsGroup: true, MetaGroupID: "g1"}}
	if server.groupActivated(session, plain) {
		t.Error("mention-mode session must not engage an unaddressed group message")
	}

	mentioned := &models.Message{Channel: models.ChannelTelegram, Content: "hey bot", Metadata: map[string]any{MetaIsGroup: true, MetaGroupID: "g1", "mentioned": true}}
	if !server.groupActivated(session, mentioned) {
		t.Error("mention should engage")
	}

	reply := &models.Message{Channel: models.ChannelTelegram, Content: "re", Metadata: map[string]any{MetaIsGroup: true, MetaGroupID: "g1", MetaReplyTo: "m9"}}
	if !server.groupActivated(session, reply) {
		t.Error("reply-to should engage")
	}

	server.setSessionMeta(context.Background(), session, metaGroupActivation, "always")
	if !server.groupActivated(session, plain) {
		t.Error("always-mode should engage everything")
	}
}

func TestSendPolicyCommandAndGate(t *testing.T) {
	server, _, session := newChatPolicyServer(t)

	if !server.sendAllowed(session) {
		t.Fatal("default send policy should allow")
	}

	msg := inboundTelegramMessage("/send deny", "u1")
	if !server.maybeHandleChatPolicyCommand(context.Background(), session, msg) {
		t.Fatal("command not handled")
	}
	if server.sendAllowed(session) {
		t.Error("send policy deny should suppress replies")
	}

	msg = inboundTelegramMessage("/send inherit", "u1")
	if !server.maybeHandleChatPolicyCommand(context.Background(), session, msg) {
		t.Fatal("command not handled")
	}
	if !server.sendAllowed(session) {
		t.Error("inherit should restore the default")
	}
}

func TestNonPolicyMessagesPassThrough(t *testing.T) {
	server, _, session := newChatPolicyServer(t)
	msg := inboundTelegramMessage("just a normal message", "u1")
	if server.maybeHandleChatPolicyCommand(context.Background(), session, msg) {
		t.Error("plain message must not be consumed as a policy command")
	}
}
