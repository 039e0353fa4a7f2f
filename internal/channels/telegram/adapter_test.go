package telegram

import (
	"context"
	"testing"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/stakpak-dev/runtime/pkg/models"
)

type fakeBot struct {
	sent []*bot.SendMessageParams
}

func (f *fakeBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	f.sent = append(f.sent, params)
	return &tgmodels.Message{ID: 1}, nil
}

func (f *fakeBot) Start(ctx context.Context) {}

func newTestAdapter(t *testing.T) (*Adapter, *fakeBot) {
	t.Helper()
	adapter, err := New(Config{Token: "test-token"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fake := &fakeBot{}
	adapter.client = fake
	return adapter, fake
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestConvertUpdateDirectMessage(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	msg := adapter.convertUpdate(&tgmodels.Update{Message: &tgmodels.Message{
		ID:   7,
		Date: 1700000000,
		Text: "hello",
		Chat: tgmodels.Chat{ID: 42, Type: "private"},
		From: &tgmodels.User{ID: 9, Username: "ada"},
	}})
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Channel != models.ChannelTelegram || msg.ChannelID != "42" {
		t.Errorf("channel = %s/%s", msg.Channel, msg.ChannelID)
	}
	if msg.Content != "hello" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Metadata["user_id"] != "9" || msg.Metadata["user_name"] != "ada" {
		t.Errorf("user metadata = %v", msg.Metadata)
	}
	if msg.Metadata["is_group"] != false {
		t.Error("private chat should not be a group")
	}
}

func TestConvertUpdateGroupThread(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	msg := adapter.convertUpdate(&tgmodels.Update{Message: &tgmodels.Message{
		ID:              8,
		Text:            "in thread",
		Chat:            tgmodels.Chat{ID: -100, Type: "supergroup"},
		From:            &tgmodels.User{ID: 9, FirstName: "Ada", LastName: "L"},
		MessageThreadID: 55,
	}})
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.Metadata["is_group"] != true || msg.Metadata["group_id"] != "-100" {
		t.Errorf("group metadata = %v", msg.Metadata)
	}
	if msg.Metadata["thread_id"] != "55" {
		t.Errorf("thread_id = %v", msg.Metadata["thread_id"])
	}
	if msg.Metadata["user_name"] != "Ada L" {
		t.Errorf("user_name = %v", msg.Metadata["user_name"])
	}
}

func TestConvertUpdateIgnoresNonMessages(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if adapter.convertUpdate(nil) != nil {
		t.Error("nil update should be ignored")
	}
	if adapter.convertUpdate(&tgmodels.Update{}) != nil {
		t.Error("update without message should be ignored")
	}
	empty := &tgmodels.Update{Message: &tgmodels.Message{Chat: tgmodels.Chat{ID: 1}}}
	if adapter.convertUpdate(empty) != nil {
		t.Error("empty message should be ignored")
	}
}

func TestSendThreadsReply(t *testing.T) {
	adapter, fake := newTestAdapter(t)

	err := adapter.Send(context.Background(), &models.Message{
		ChannelID: "42",
		Content:   "reply",
		Metadata:  map[string]any{"thread_id": "55"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(fake.sent))
	}
	params := fake.sent[0]
	if params.ChatID != "42" || params.Text != "reply" {
		t.Errorf("params = %+v", params)
	}
	if params.MessageThreadID != 55 {
		t.Errorf("MessageThreadID = %d, want 55", params.MessageThreadID)
	}
}

func TestSendRequiresChatID(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	if err := adapter.Send(context.Background(), &models.Message{Content: "x"}); err == nil {
		t.Fatal("expected error without chat id")
	}
}

func TestHandleUpdateQueueOverflow(t *testing.T) {
	adapter, err := New(Config{Token: "t", InboundBuffer: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	update := func(id int, text string) *tgmodels.Update {
		return &tgmodels.Update{Message: &tgmodels.Message{
			ID:   id,
			Text: text,
			Chat: tgmodels.Chat{ID: 1, Type: "private"},
		}}
	}
	adapter.handleUpdate(context.Background(), nil, update(1, "first"))
	adapter.handleUpdate(context.Background(), nil, update(2, "second"))

	got := <-adapter.Messages()
	if got.Content != "second" {
		t.Errorf("overflow should keep the newest message, got %q", got.Content)
	}
}
