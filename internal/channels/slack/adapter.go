// Package slack connects the gateway to Slack over Socket Mode.
package slack

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Config configures the Slack adapter.
type Config struct {
	BotToken string // xoxb- token for Web API calls
	AppToken string // xapp- token for Socket Mode

	// InboundBuffer bounds the inbound message queue. Default 128.
	InboundBuffer int
}

// poster is the slice of the Slack Web API the adapter sends through,
// narrowed so tests can fake it.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Adapter is the Slack channel connector. Inbound traffic arrives as
// Events API payloads over a Socket Mode connection; replies go out via
// the Web API.
type Adapter struct {
	config Config
	logger *slog.Logger

	api     poster
	socket  *socketmode.Client
	inbound chan *models.Message
	botUser string

	mu        sync.Mutex
	connected bool
	lastErr   string
	cancel    context.CancelFunc

	// seenTS deduplicates events: a mention in a channel arrives both as
	// an app_mention and as a plain message event with the same ts.
	seenMu sync.Mutex
	seenTS map[string]struct{}
	seen   []string
}

// New creates a Slack adapter.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || strings.TrimSpace(cfg.AppToken) == "" {
		return nil, channels.ErrConfig("slack bot_token and app_token are required", nil)
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 128
	}
	if logger == nil {
		logger = slog.Default()
	}

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		config:  cfg,
		logger:  logger.With("channel", "slack"),
		api:     api,
		socket:  socketmode.New(api),
		inbound: make(chan *models.Message, cfg.InboundBuffer),
		seenTS:  make(map[string]struct{}),
	}, nil
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }

// Start opens the Socket Mode connection and pumps its events until ctx
// is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	go a.eventPump(runCtx)
	go func() {
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			a.setConnected(false, err.Error())
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()
	return nil
}

// Stop closes the Socket Mode connection.
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

// Status reports the socket connection state.
func (a *Adapter) Status() channels.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channels.Status{Connected: a.connected, Error: a.lastErr}
}

func (a *Adapter) setConnected(connected bool, errMsg string) {
	a.mu.Lock()
	a.connected = connected
	a.lastErr = errMsg
	a.mu.Unlock()
}

// eventPump drains Socket Mode events, acking Events API envelopes and
// queuing the message events.
func (a *Adapter) eventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				a.setConnected(true, "")
			case socketmode.EventTypeConnectionError:
				a.setConnected(false, "connection error")
			case socketmode.EventTypeEventsAPI:
				payload, ok := event.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if event.Request != nil {
					a.socket.Ack(*event.Request)
				}
				a.handleEventsAPI(payload)
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(payload slackevents.EventsAPIEvent) {
	if payload.Type != slackevents.CallbackEvent {
		return
	}
	switch inner := payload.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if !a.markSeen(inner.TimeStamp) {
			return
		}
		msg := a.convertMessage(inner.Channel, inner.User, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp, "channel", "")
		if msg != nil {
			msg.Metadata["mentioned"] = true
		}
		a.queue(msg)
	case *slackevents.MessageEvent:
		if !a.markSeen(inner.TimeStamp) {
			return
		}
		msg := a.convertMessage(inner.Channel, inner.User, inner.Text, inner.TimeStamp, inner.ThreadTimeStamp, inner.ChannelType, inner.BotID)
		// The same mention may arrive as this event instead of (or before)
		// the app_mention event, so detect it here too.
		if msg != nil && inner.ChannelType != "im" && strings.Contains(inner.Text, "<@") {
			msg.Metadata["mentioned"] = true
		}
		a.queue(msg)
	}
}

// markSeen records ts and reports whether it was new. The window is
// bounded so long-lived connections don't grow it without limit.
func (a *Adapter) markSeen(ts string) bool {
	if ts == "" {
		return true
	}
	a.seenMu.Lock()
	defer a.seenMu.Unlock()
	if _, dup := a.seenTS[ts]; dup {
		return false
	}
	a.seenTS[ts] = struct{}{}
	a.seen = append(a.seen, ts)
	if len(a.seen) > 512 {
		delete(a.seenTS, a.seen[0])
		a.seen = a.seen[1:]
	}
	return true
}

// convertMessage maps one Slack message into the gateway model. Bot
// messages and empty payloads are dropped.
func (a *Adapter) convertMessage(channel, user, text, ts, threadTS, channelType, botID string) *models.Message {
	if botID != "" || user == "" || strings.TrimSpace(text) == "" {
		return nil
	}

	isDirect := channelType == "im"
	metadata := map[string]any{
		"chat_id":  channel,
		"user_id":  user,
		"is_group": !isDirect,
		"slack_ts": ts,
	}
	if !isDirect {
		metadata["group_id"] = channel
	}
	if threadTS != "" && threadTS != ts {
		metadata["thread_id"] = threadTS
	}

	return &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelSlack,
		ChannelID: channel,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
}

func (a *Adapter) queue(msg *models.Message) {
	if msg == nil {
		return
	}
	channels.RecordActivity(string(models.ChannelSlack), msg.ChannelID, channels.DirectionInbound)
	select {
	case a.inbound <- msg:
	default:
		a.logger.Warn("inbound queue full, dropping message")
	}
}

// Send posts one outbound message, threading it when the metadata carries
// a thread timestamp.
func (a *Adapter) Send(ctx context.Context, msg *models.Message) error {
	channelID := msg.ChannelID
	if channelID == "" {
		if id, ok := msg.Metadata["chat_id"].(string); ok {
			channelID = id
		}
	}
	if channelID == "" {
		return channels.ErrInvalidInput("slack message needs a channel id", nil)
	}

	options := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if threadTS, ok := msg.Metadata["thread_id"].(string); ok && threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}

	if _, _, err := a.api.PostMessageContext(ctx, channelID, options...); err != nil {
		a.setConnected(a.connectedNow(), err.Error())
		return channels.ErrConnection("post message to "+channelID, err)
	}
	channels.RecordActivity(string(models.ChannelSlack), channelID, channels.DirectionOutbound)
	return nil
}

func (a *Adapter) connectedNow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}
