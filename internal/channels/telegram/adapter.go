// Package telegram connects the gateway to Telegram via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Config configures the Telegram adapter.
type Config struct {
	Token string

	// InboundBuffer bounds the inbound message queue; overflow drops the
	// oldest waiting message. Default 128.
	InboundBuffer int
}

// botAPI is the slice of the Telegram bot client the adapter uses,
// narrowed so tests can fake it.
type botAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	Start(ctx context.Context)
}

// Adapter is the Telegram channel connector: it long-polls for updates,
// converts them to gateway messages, and delivers replies.
type Adapter struct {
	config Config
	logger *slog.Logger

	client  botAPI
	inbound chan *models.Message

	mu        sync.Mutex
	connected bool
	lastErr   string
	cancel    context.CancelFunc
}

// New creates a Telegram adapter. The bot client itself is built on
// Start, so construction never needs network access.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, channels.ErrConfig("telegram token is required", nil)
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		config:  cfg,
		logger:  logger.With("channel", "telegram"),
		inbound: make(chan *models.Message, cfg.InboundBuffer),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Start builds the bot client and begins long polling until ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	client := a.client
	if client == nil {
		b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			return channels.ErrAuthentication("create telegram bot", err)
		}
		client = b
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.client = client
	a.cancel = cancel
	a.connected = true
	a.lastErr = ""
	a.mu.Unlock()

	go client.Start(pollCtx)
	a.logger.Info("telegram polling started")
	return nil
}

// Stop ends long polling.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.connected = false
	return nil
}

// Messages returns the inbound message stream.
func (a *Adapter) Messages() <-chan *models.Message {
	return a.inbound
}

// Status reports the polling connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channels.Status{Connected: a.connected, Error: a.lastErr}
}

// handleUpdate converts one Telegram update into a gateway message and
// queues it, dropping the oldest waiting message on overflow.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := a.convertUpdate(update)
	if msg == nil {
		return
	}
	channels.RecordActivity(string(models.ChannelTelegram), msg.ChannelID, channels.DirectionInbound)

	select {
	case a.inbound <- msg:
	default:
		select {
		case dropped := <-a.inbound:
			a.logger.Warn("inbound queue full, dropping oldest", "dropped_id", dropped.ID)
		default:
		}
		select {
		case a.inbound <- msg:
		default:
		}
	}
}

// convertUpdate maps a Telegram update to the gateway message model.
// Non-message updates (edits, reactions, member changes) are ignored.
func (a *Adapter) convertUpdate(update *tgmodels.Update) *models.Message {
	if update == nil || update.Message == nil {
		return nil
	}
	tm := update.Message

	text := tm.Text
	if text == "" {
		text = tm.Caption
	}
	if strings.TrimSpace(text) == "" && len(tm.Photo) == 0 && tm.Document == nil {
		return nil
	}

	chatID := strconv.FormatInt(tm.Chat.ID, 10)
	isGroup := tm.Chat.Type == "group" || tm.Chat.Type == "supergroup"

	metadata := map[string]any{
		"chat_id":  chatID,
		"is_group": isGroup,
	}
	if isGroup {
		metadata["group_id"] = chatID
	}
	if tm.MessageThreadID != 0 {
		metadata["thread_id"] = strconv.Itoa(tm.MessageThreadID)
	}
	if tm.From != nil {
		metadata["user_id"] = strconv.FormatInt(tm.From.ID, 10)
		name := strings.TrimSpace(tm.From.FirstName + " " + tm.From.LastName)
		if tm.From.Username != "" {
			name = tm.From.Username
		}
		metadata["user_name"] = name
	}
	if tm.ReplyToMessage != nil {
		metadata["reply_to"] = strconv.Itoa(tm.ReplyToMessage.ID)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelTelegram,
		ChannelID: chatID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		Metadata:  metadata,
		CreatedAt: time.Unix(int64(tm.Date), 0),
	}
	for _, photo := range lastPhoto(tm.Photo) {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:   photo.FileID,
			Type: "image",
			Size: int64(photo.FileSize),
		})
	}
	if tm.Document != nil {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			ID:       tm.Document.FileID,
			Type:     "document",
			Filename: tm.Document.FileName,
			MimeType: tm.Document.MimeType,
			Size:     int64(tm.Document.FileSize),
		})
	}
	return msg
}

// lastPhoto keeps only the largest rendition Telegram sent.
func lastPhoto(sizes []tgmodels.PhotoSize) []tgmodels.PhotoSize {
	if len(sizes) == 0 {
		return nil
	}
	return sizes[len(sizes)-1:]
}

// Send delivers one outbound message, honoring the thread id carried in
// the message metadata.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return channels.ErrConnection("telegram adapter not started", nil)
	}

	chatID := msg.ChannelID
	if chatID == "" {
		if id, ok := msg.Metadata["chat_id"].(string); ok {
			chatID = id
		}
	}
	if chatID == "" {
		return channels.ErrInvalidInput("telegram message needs a chat id", nil)
	}

	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Content,
	}
	if raw, ok := msg.Metadata["thread_id"].(string); ok && raw != "" {
		if threadID, err := strconv.Atoi(raw); err == nil {
			params.MessageThreadID = threadID
		}
	}

	if _, err := client.SendMessage(ctx, params); err != nil {
		a.mu.Lock()
		a.lastErr = err.Error()
		a.mu.Unlock()
		return channels.ErrConnection(fmt.Sprintf("send to chat %s", chatID), err)
	}
	channels.RecordActivity(string(models.ChannelTelegram), chatID, channels.DirectionOutbound)
	return nil
}
