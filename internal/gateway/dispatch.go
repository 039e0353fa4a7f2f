package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/sessions/checkpoint"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// CheckpointStore persists a session's conversation as its latest
// checkpoint envelope.
type CheckpointStore interface {
	Save(ctx context.Context, sessionID string, envelope checkpoint.Envelope) error
	Load(ctx context.Context, sessionID string) (checkpoint.Envelope, bool, error)
}

// WithCheckpointStore wires the store the dispatcher checkpoints sessions
// into after each run.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(s *Server) { s.checkpoints = store }
}

// Run starts every registered channel adapter and pumps their inbound
// messages through command handling and the agent runtime until ctx is
// cancelled. Messages for different sessions are handled concurrently; a
// message arriving while its session already has a run gets a busy notice
// and is not queued.
func (s *Server) Run(ctx context.Context) error {
	if s.channels == nil {
		return fmt.Errorf("no channel registry configured")
	}
	if err := s.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.channels.StopAll(stopCtx); err != nil {
			s.logger.Warn("stopping channels", "error", err)
		}
	}()

	runs := sessions.NewRunRegistry()
	s.setRunRegistry(runs)

	// The debouncer runs onFlush on its own goroutine and cancels the
	// flush context when it returns, so the batch is handled synchronously
	// inside the callback. Commands and other non-debounced messages skip
	// the batching delay entirely.
	debouncer := NewMessageDebouncer(0, 0, func(flushCtx context.Context, msgs []*models.Message) error {
		s.handleBatch(flushCtx, runs, msgs)
		return nil
	})
	defer debouncer.Close()

	inbound := s.channels.AggregateMessages(ctx)
	for {
		select {
		case <-ctx.Done():
			debouncer.FlushAll()
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if msg == nil {
				continue
			}
			if ShouldDebounce(msg) {
				debouncer.Enqueue(ctx, BuildDebounceKey(msg), msg)
			} else {
				debouncer.Flush(BuildDebounceKey(msg))
				go s.handleInbound(ctx, runs, msg)
			}
		}
	}
}

func (s *Server) setRunRegistry(runs *sessions.RunRegistry) {
	s.activeRunsMu.Lock()
	s.runRegistry = runs
	s.activeRunsMu.Unlock()
}

func (s *Server) runRegistryOrNew() *sessions.RunRegistry {
	s.activeRunsMu.Lock()
	defer s.activeRunsMu.Unlock()
	if s.runRegistry == nil {
		s.runRegistry = sessions.NewRunRegistry()
	}
	return s.runRegistry
}

// handleBatch collapses a debounced batch into one message (later texts
// appended line by line) and dispatches it.
func (s *Server) handleBatch(ctx context.Context, runs *sessions.RunRegistry, msgs []*models.Message) {
	if len(msgs) == 0 {
		return
	}
	msg := msgs[0]
	if len(msgs) > 1 {
		var combined strings.Builder
		for i, m := range msgs {
			if i > 0 {
				combined.WriteString("\n")
			}
			combined.WriteString(m.Content)
			if len(m.Attachments) > 0 {
				msg.Attachments = append(msg.Attachments, m.Attachments...)
			}
		}
		msg.Content = combined.String()
	}
	s.handleInbound(ctx, runs, msg)
}

// handleInbound routes one inbound message to its session and drives the
// agent runtime for it, delivering the reply in channel-sized chunks.
func (s *Server) handleInbound(ctx context.Context, runs *sessions.RunRegistry, msg *models.Message) {
	normalizer := NewMessageNormalizer()
	normalizer.Normalize(msg)

	session, err := s.resolveSession(ctx, msg)
	if err != nil {
		s.logger.Error("resolve session for inbound message", "channel", msg.Channel, "error", err)
		return
	}

	if ensureSessionOriginMetadata(session, msg) {
		if err := s.sessions.Update(ctx, session); err != nil {
			s.logger.Warn("persist session origin metadata", "session_id", session.ID, "error", err)
		}
	}

	if s.maybeHandleChatPolicyCommand(ctx, session, msg) {
		return
	}
	if IsGroupMessage(msg) && !s.groupActivated(session, msg) {
		return
	}
	if s.maybeHandleCommand(ctx, session, msg) {
		return
	}
	if s.maybeHandleInlineCommands(ctx, session, msg) {
		return
	}
	if s.runtime == nil {
		s.logger.Warn("no runtime configured, dropping message", "session_id", session.ID)
		return
	}

	handle, err := runs.BeginRun(session.ID)
	if err != nil {
		s.sendImmediateReply(ctx, session, msg, "A run is already active on this conversation. Send /abort to cancel it first.")
		return
	}
	defer handle.End()

	runCtx, cancel := context.WithCancel(ctx)
	token := s.registerActiveRun(session.ID, cancel)
	defer s.finishActiveRun(session.ID, token)
	defer cancel()

	chunks, err := s.runtime.Process(runCtx, session, msg)
	if err != nil {
		s.logger.Error("start agent run", "session_id", session.ID, "error", err)
		s.sendImmediateReply(ctx, session, msg, "Something went wrong starting the agent. Try again.")
		return
	}

	var reply strings.Builder
	var runErr error
	for chunk := range chunks {
		if chunk.Error != nil {
			runErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			reply.WriteString(chunk.Text)
		}
	}

	if runErr != nil {
		s.logger.Error("agent run failed", "session_id", session.ID, "error", runErr)
		if reply.Len() == 0 {
			s.sendImmediateReply(ctx, session, msg, "The agent run failed: "+runErr.Error())
			s.persistCheckpoint(ctx, session, handle.RunID)
			return
		}
	}
	s.deliverReply(ctx, session, msg, reply.String())
	s.persistCheckpoint(ctx, session, handle.RunID)
}

// persistCheckpoint writes the session's full history as its latest
// checkpoint envelope. Failure is logged, not fatal: the session store
// still holds the history.
func (s *Server) persistCheckpoint(ctx context.Context, session *models.Session, runID string) {
	if s.checkpoints == nil {
		return
	}
	history, err := s.sessions.GetHistory(ctx, session.ID, 0)
	if err != nil {
		s.logger.Warn("read history for checkpoint", "session_id", session.ID, "error", err)
		return
	}
	messages := make([]models.Message, len(history))
	for i, m := range history {
		messages[i] = *m
	}
	if err := s.checkpoints.Save(ctx, session.ID, checkpoint.New(runID, messages, nil)); err != nil {
		s.logger.Warn("persist checkpoint", "session_id", session.ID, "error", err)
	}
}

// resolveSession maps the inbound message to a session via routing-key
// resolution and the session store's affinity mapping. A new routing key
// creates a new session titled after the key.
func (s *Server) resolveSession(ctx context.Context, msg *models.Message) (*models.Session, error) {
	routingKey := s.routingKeyFor(msg)
	agentID := "main"
	if s.config != nil && strings.TrimSpace(s.config.Session.DefaultAgentID) != "" {
		agentID = strings.TrimSpace(s.config.Session.DefaultAgentID)
	}
	session, err := s.sessions.GetOrCreate(ctx, routingKey, agentID, msg.Channel, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	s.maybeRestoreFromCheckpoint(ctx, session)
	return session, nil
}

// maybeRestoreFromCheckpoint replays a persisted checkpoint into a session
// that has no in-memory history yet, so conversations survive a process
// restart when the session store is memory-backed.
func (s *Server) maybeRestoreFromCheckpoint(ctx context.Context, session *models.Session) {
	if s.checkpoints == nil {
		return
	}
	history, err := s.sessions.GetHistory(ctx, session.ID, 1)
	if err != nil || len(history) > 0 {
		return
	}
	envelope, ok, err := s.checkpoints.Load(ctx, session.ID)
	if err != nil || !ok {
		return
	}
	for i := range envelope.Messages {
		if err := s.sessions.AppendMessage(ctx, session.ID, &envelope.Messages[i]); err != nil {
			s.logger.Warn("restore checkpoint message", "session_id", session.ID, "error", err)
			return
		}
	}
	s.logger.Info("restored session from checkpoint", "session_id", session.ID, "messages", len(envelope.Messages))
}

// routingKeyFor derives the message's chat shape and resolves it against
// the configured bindings and DM scope.
func (s *Server) routingKeyFor(msg *models.Message) string {
	// Webhooks and API callers may pin the session directly.
	if msg.Metadata != nil {
		if key, ok := msg.Metadata["routing_key"].(string); ok && key != "" {
			return key
		}
	}

	peerID, _ := ExtractUserInfo(msg)
	chatID, threadID := ExtractSessionKey(msg)
	groupID := chatID
	if msg.Metadata != nil {
		if id, ok := msg.Metadata[MetaGroupID].(string); ok && id != "" {
			groupID = id
		}
	}

	chat := ChatType{Kind: ChatDirect}
	switch {
	case threadID != "":
		chat = ChatType{Kind: ChatThread, GroupID: groupID, ThreadID: threadID}
	case IsGroupMessage(msg):
		chat = ChatType{Kind: ChatGroup, GroupID: groupID}
	}
	if peerID == "" {
		peerID = chatID
	}
	return ResolveRoutingKey(s.routerCfg, string(msg.Channel), peerID, chat)
}

// deliverReply chunks the reply to the channel's message-length limit and
// sends the chunks in order on the channel the message arrived on.
func (s *Server) deliverReply(ctx context.Context, session *models.Session, inbound *models.Message, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if !s.sendAllowed(session) {
		s.logger.Debug("send policy is deny, suppressing reply", "session_id", session.ID)
		return
	}
	adapter, ok := s.channels.GetOutbound(inbound.Channel)
	if !ok {
		// Webhook-triggered runs have nowhere to reply; their output
		// lives in the session history and checkpoint.
		if inbound.Channel != models.ChannelWebhook {
			s.logger.Error("no adapter registered for channel", "channel", inbound.Channel)
		}
		return
	}

	limit := channelChunkLimit(inbound.Channel)
	pieces := []string{content}
	if limit > 0 {
		pieces = ChunkText(content, limit)
	}
	for _, piece := range pieces {
		outbound := &models.Message{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			Channel:   inbound.Channel,
			ChannelID: inbound.ChannelID,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   piece,
			Metadata:  replyMetadata(inbound),
			CreatedAt: time.Now(),
		}
		if err := adapter.Send(ctx, outbound); err != nil {
			s.logger.Error("send reply chunk", "channel", inbound.Channel, "error", err)
			return
		}
	}
}

// channelChunkLimit looks up the channel's maximum message length from the
// capability table. Zero means unlimited.
func channelChunkLimit(channel models.ChannelType) int {
	caps := channels.GetChannelCapabilities(channels.FromModelChannelType(channel))
	if caps == nil {
		return 0
	}
	return caps.MaxMessageLength
}
