// Package gateway fans inbound messages from the configured channels
// through command handling and the agent runtime, and carries replies
// back out.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/auth"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/commands"
	"github.com/stakpak-dev/runtime/internal/config"
	"github.com/stakpak-dev/runtime/internal/eventlog"
	"github.com/stakpak-dev/runtime/internal/idempotency"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Server wires channel adapters, the custom command pipeline, and the
// agent runtime together. It owns one active run per session so a
// control command like /abort can cancel in-flight work.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	sessions sessions.Store
	channels *channels.Registry

	defaultModel string

	commandParser   *commands.Parser
	commandRegistry *commands.Registry

	activeRunsMu sync.Mutex
	activeRuns   map[string]activeRun

	runtime     *agent.Runtime
	eventLog    *eventlog.Log
	idem        *idempotency.Store
	checkpoints CheckpointStore
	auth        *auth.Service
	runRegistry *sessions.RunRegistry
	routerCfg   RouterConfig
	apiToken    string
	configPath  string
	startedAt   time.Time

	deliveryMu       sync.Mutex
	deliveryContexts map[string]deliveryContextEntry
	deliveryTTL      time.Duration
}

type deliveryContextEntry struct {
	context   map[string]any
	expiresAt time.Time
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithDefaultModel sets the model name reported to commands (e.g. /whoami)
// when a session has no explicit override.
func WithDefaultModel(model string) Option {
	return func(s *Server) { s.defaultModel = model }
}

// WithCommands wires the custom command parser and registry. Without
// this, maybeHandleCommand and maybeHandleInlineCommands are no-ops.
func WithCommands(parser *commands.Parser, registry *commands.Registry) Option {
	return func(s *Server) {
		s.commandParser = parser
		s.commandRegistry = registry
	}
}

// WithRuntime wires the agent runtime that inbound messages are dispatched
// through. Without it the dispatcher only handles commands.
func WithRuntime(rt *agent.Runtime) Option {
	return func(s *Server) { s.runtime = rt }
}

// WithEventLog wires the replayable per-session event buffer that backs
// the streaming events endpoint.
func WithEventLog(log *eventlog.Log) Option {
	return func(s *Server) { s.eventLog = log }
}

// WithIdempotency wires the idempotency-key store enforced on POST /send.
func WithIdempotency(store *idempotency.Store) Option {
	return func(s *Server) { s.idem = store }
}

// WithRouterConfig sets the routing-key bindings and DM scope used to
// resolve inbound messages to sessions.
func WithRouterConfig(cfg RouterConfig) Option {
	return func(s *Server) { s.routerCfg = cfg }
}

// WithAPIToken sets the bearer token checked on POST /send and the session
// event stream. An empty token disables that check unless JWT or API-key
// auth is configured.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = strings.TrimSpace(token) }
}

// WithDeliveryContextTTL overrides how long /send delivery contexts are
// retained per target. Defaults to 24h.
func WithDeliveryContextTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.deliveryTTL = ttl
		}
	}
}

// NewServer builds a Server ready to dispatch inbound messages.
func NewServer(cfg *config.Config, logger *slog.Logger, store sessions.Store, registry *channels.Registry, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:           cfg,
		logger:           logger,
		sessions:         store,
		channels:         registry,
		activeRuns:       make(map[string]activeRun),
		routerCfg:        RouterConfig{DMScope: DMScopePerChannelPeer},
		startedAt:        time.Now(),
		deliveryContexts: make(map[string]deliveryContextEntry),
		deliveryTTL:      24 * time.Hour,
	}
	if cfg != nil && (strings.TrimSpace(cfg.Auth.JWTSecret) != "" || len(cfg.Auth.APIKeys) > 0) {
		authCfg := auth.Config{
			JWTSecret:   cfg.Auth.JWTSecret,
			TokenExpiry: cfg.Auth.TokenExpiry,
		}
		for _, entry := range cfg.Auth.APIKeys {
			authCfg.APIKeys = append(authCfg.APIKeys, auth.APIKeyConfig{
				Key:    entry.Key,
				UserID: entry.UserID,
				Email:  entry.Email,
				Name:   entry.Name,
			})
		}
		s.auth = auth.NewService(authCfg)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sendImmediateReply delivers content back out on the channel the inbound
// message arrived on, carrying over any metadata (chat id, thread id,
// reply-to) the adapter needs to address the reply correctly.
func (s *Server) sendImmediateReply(ctx context.Context, session *models.Session, inbound *models.Message, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if s.channels == nil {
		s.logger.Error("no channel registry configured, dropping reply")
		return
	}
	adapter, ok := s.channels.GetOutbound(inbound.Channel)
	if !ok {
		s.logger.Error("no adapter registered for channel", "channel", inbound.Channel)
		return
	}
	outbound := &models.Message{
		SessionID: session.ID,
		Channel:   inbound.Channel,
		ChannelID: inbound.ChannelID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   content,
		Metadata:  replyMetadata(inbound),
		CreatedAt: time.Now(),
	}
	if err := adapter.Send(ctx, outbound); err != nil {
		s.logger.Error("failed to send outbound reply", "error", err)
	}
}

// replyMetadata carries the inbound message's metadata onto the reply so
// channel adapters that need a chat/thread id to address the reply (e.g.
// Telegram's message_thread_id) still have it.
func replyMetadata(inbound *models.Message) map[string]any {
	if inbound.Metadata == nil {
		return nil
	}
	out := make(map[string]any, len(inbound.Metadata))
	for k, v := range inbound.Metadata {
		out[k] = v
	}
	return out
}
