package slack

import (
	"context"
	"log/slog"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stakpak-dev/runtime/pkg/models"
)

type fakePoster struct {
	channels []string
	options  [][]slack.MsgOption
}

func (f *fakePoster) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	f.options = append(f.options, options)
	return channelID, "123.456", nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakePoster) {
	t.Helper()
	adapter, err := New(Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fake := &fakePoster{}
	adapter.api = fake
	return adapter, fake
}

func TestNewRequiresTokens(t *testing.T) {
	if _, err := New(Config{BotToken: "xoxb-only"}, nil); err == nil {
		t.Fatal("expected error without app token")
	}
	if _, err := New(Config{AppToken: "xapp-only"}, nil); err == nil {
		t.Fatal("expected error without bot token")
	}
}

func TestConvertMessageDirect(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	msg := adapter.convertMessage("D123", "U9", "hello", "111.222", "", "im", "")
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Channel != models.ChannelSlack || msg.ChannelID != "D123" {
		t.Errorf("channel = %s/%s", msg.Channel, msg.ChannelID)
	}
	if msg.Metadata["is_group"] != false || msg.Metadata["user_id"] != "U9" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestConvertMessageThread(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	msg := adapter.convertMessage("C1", "U9", "re", "111.333", "111.222", "channel", "")
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Metadata["thread_id"] != "111.222" || msg.Metadata["group_id"] != "C1" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestConvertMessageDropsBots(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if adapter.convertMessage("C1", "U9", "from a bot", "1.2", "", "channel", "B42") != nil {
		t.Error("bot messages must be dropped")
	}
	if adapter.convertMessage("C1", "", "no user", "1.2", "", "channel", "") != nil {
		t.Error("messages without a user must be dropped")
	}
}

func TestMarkSeenDeduplicates(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if !adapter.markSeen("1.0") {
		t.Fatal("first sighting should be new")
	}
	if adapter.markSeen("1.0") {
		t.Fatal("second sighting should be a duplicate")
	}
	if !adapter.markSeen("2.0") {
		t.Fatal("different ts should be new")
	}
}

func TestSendThreadsAndRecords(t *testing.T) {
	adapter, fake := newTestAdapter(t)

	err := adapter.Send(context.Background(), &models.Message{
		ChannelID: "C1",
		Content:   "reply",
		Metadata:  map[string]any{"thread_id": "111.222"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(fake.channels) != 1 || fake.channels[0] != "C1" {
		t.Errorf("posted to %v", fake.channels)
	}
	// Text option plus the thread-ts option.
	if len(fake.options[0]) != 2 {
		t.Errorf("got %d message options, want 2", len(fake.options[0]))
	}
}

func TestSendRequiresChannel(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if err := adapter.Send(context.Background(), &models.Message{Content: "x"}); err == nil {
		t.Fatal("expected error without channel id")
	}
}
