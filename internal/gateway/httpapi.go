package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/config"
	"github.com/stakpak-dev/runtime/internal/eventlog"
	"github.com/stakpak-dev/runtime/internal/idempotency"
	"github.com/stakpak-dev/runtime/internal/sessions"
	toolsgateway "github.com/stakpak-dev/runtime/internal/tools/gateway"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// maxSendBodyBytes bounds POST /send request bodies.
const maxSendBodyBytes = 1 << 20

// SendRequest is the POST /send body.
type SendRequest struct {
	Channel string         `json:"channel"`
	Target  string         `json:"target"`
	Text    string         `json:"text"`
	Context map[string]any `json:"context,omitempty"`
}

// WithConfigPath tells the server where its config file lives so the
// gateway tool's config.apply action can persist changes.
func WithConfigPath(path string) Option {
	return func(s *Server) {
		path = strings.TrimSpace(path)
		if path != "" {
			path = filepath.Clean(path)
		}
		s.configPath = path
	}
}

// APIHandler returns the gateway's HTTP API: message delivery plus the
// observability endpoints, the per-session event stream, and any
// configured inbound webhooks.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /channels", s.handleChannels)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)
	if s.config != nil && s.config.Gateway.WebhookHooks.Enabled {
		base := strings.TrimRight(s.config.Gateway.WebhookHooks.BasePath, "/")
		mux.HandleFunc("POST "+base+"/{hook}", s.handleWebhook)
	}
	return loggingMiddleware(s.logger, mux)
}

// handleWebhook turns a configured webhook call into an inbound message:
// the body (raw text, or the "text" field of a JSON object) becomes the
// message content and the hook's routing key picks the session.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	hooks := s.config.Gateway.WebhookHooks
	if hooks.Token != "" {
		header := r.Header.Get("Authorization")
		token, _ := strings.CutPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(hooks.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid webhook token")
			return
		}
	}

	hookPath := r.PathValue("hook")
	var mapping *config.WebhookHookMapping
	for i := range hooks.Mappings {
		if strings.Trim(hooks.Mappings[i].Path, "/") == hookPath {
			mapping = &hooks.Mappings[i]
			break
		}
	}
	if mapping == nil {
		writeError(w, http.StatusNotFound, "unknown hook: "+hookPath)
		return
	}

	body, err := readBodyLimited(r, hooks.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := string(body)
	var payload struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Text != "" {
		text = payload.Text
	}
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "empty webhook body")
		return
	}

	routingKey := mapping.RoutingKey
	if routingKey == "" {
		routingKey = "webhook:" + hookPath
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   models.ChannelWebhook,
		ChannelID: hookPath,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   text,
		Metadata: map[string]any{
			"hook":        mapping.Name,
			"routing_key": routingKey,
		},
		CreatedAt: time.Now(),
	}

	// Webhook runs are fire-and-forget: the caller gets an ack, the agent
	// run proceeds in the background against the hook's session.
	go s.handleInbound(context.Background(), s.runRegistryOrNew(), msg)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "routing_key": routingKey})
}

// ServeAPI runs the HTTP API on addr until ctx is cancelled.
func (s *Server) ServeAPI(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.APIHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// authorized checks the Authorization header: the static API token, a
// configured API key, or a valid JWT all pass. With neither a token nor
// an auth service configured the check is disabled.
func (s *Server) authorized(r *http.Request) bool {
	if s.apiToken == "" && !s.auth.Enabled() {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	token = strings.TrimSpace(token)
	if s.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1 {
		return true
	}
	if s.auth.Enabled() {
		if _, err := s.auth.ValidateAPIKey(token); err == nil {
			return true
		}
		if _, err := s.auth.ValidateJWT(token); err == nil {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}

	body, err := readBodyLimited(r, maxSendBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Channel) == "" || strings.TrimSpace(req.Target) == "" {
		writeError(w, http.StatusBadRequest, "channel and target are required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	var idemReq idempotency.Request
	if idemKey != "" && s.idem != nil {
		idemReq = idempotency.Request{Method: r.Method, Path: "/send", Key: idemKey, Body: string(body)}
		switch result := s.idem.Lookup(idemReq); result.Outcome {
		case idempotency.Replay:
			writeJSON(w, result.Response.StatusCode, result.Response.Body)
			return
		case idempotency.Conflict:
			writeError(w, http.StatusConflict, "Idempotency-Key reused with a different body")
			return
		}
	}

	status, payload := s.deliver(r.Context(), req)
	if idemKey != "" && s.idem != nil && status < http.StatusInternalServerError {
		s.idem.Save(idemReq, idempotency.Response{StatusCode: status, Body: payload})
	}
	writeJSON(w, status, payload)
}

// deliver sends req.Text on the named channel, chunked to the channel's
// message-length limit, and persists req.Context for the target so later
// replies can recover thread state.
func (s *Server) deliver(ctx context.Context, req SendRequest) (int, any) {
	channelID := channels.NormalizeChatChannelID(req.Channel)
	if !channels.IsValidChannelID(channelID) {
		return http.StatusBadRequest, map[string]string{"error": "unknown channel: " + req.Channel}
	}
	channelType := channels.ToModelChannelType(channelID)

	if s.channels == nil {
		return http.StatusServiceUnavailable, map[string]string{"error": "no channels configured"}
	}
	adapter, ok := s.channels.GetOutbound(channelType)
	if !ok {
		return http.StatusNotFound, map[string]string{"error": "channel not connected: " + req.Channel}
	}

	metadata := s.recallDeliveryContext(string(channelType), req.Target)
	for k, v := range req.Context {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata[k] = v
	}

	pieces := []string{req.Text}
	if limit := channelChunkLimit(channelType); limit > 0 {
		pieces = ChunkText(req.Text, limit)
	}
	for _, piece := range pieces {
		msg := &models.Message{
			ID:        uuid.NewString(),
			Channel:   channelType,
			ChannelID: req.Target,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   piece,
			Metadata:  metadata,
			CreatedAt: time.Now(),
		}
		if err := adapter.Send(ctx, msg); err != nil {
			return http.StatusBadGateway, map[string]string{"error": "deliver message: " + err.Error()}
		}
	}

	if len(req.Context) > 0 {
		s.storeDeliveryContext(string(channelType), req.Target, req.Context)
	}
	return http.StatusOK, map[string]any{"delivered": true, "chunks": len(pieces)}
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	type channelInfo struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	var out []channelInfo
	if s.channels != nil {
		for _, adapter := range s.channels.All() {
			info := channelInfo{
				ID:     string(adapter.Type()),
				Name:   string(adapter.Type()),
				Status: "unknown",
			}
			if meta := channels.GetChatChannelMeta(channels.FromModelChannelType(adapter.Type())); meta != nil {
				info.Name = meta.Name
			}
			if health, ok := adapter.(channels.HealthAdapter); ok {
				if health.Status().Connected {
					info.Status = "connected"
				} else {
					info.Status = "disconnected"
				}
			}
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.GatewayStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context(), "", sessions.ListOptions{Limit: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions: "+err.Error())
		return
	}
	type sessionInfo struct {
		ID        string    `json:"id"`
		Key       string    `json:"key"`
		AgentID   string    `json:"agent_id"`
		Channel   string    `json:"channel"`
		Title     string    `json:"title,omitempty"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	out := make([]sessionInfo, 0, len(list))
	for _, session := range list {
		out = append(out, sessionInfo{
			ID:        session.ID,
			Key:       session.Key,
			AgentID:   session.AgentID,
			Channel:   string(session.Channel),
			Title:     session.Title,
			UpdatedAt: session.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is bearer-authenticated; origin checks add nothing for
	// non-browser clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireEnvelope is the JSON shape of one event on the stream.
type wireEnvelope struct {
	ID        uint64            `json:"id"`
	SessionID string            `json:"session_id"`
	RunID     string            `json:"run_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Event     models.AgentEvent `json:"event"`
}

func toWireEnvelope(e eventlog.Envelope) wireEnvelope {
	return wireEnvelope{
		ID:        e.ID,
		SessionID: e.SessionID,
		RunID:     e.RunID,
		Timestamp: e.Timestamp,
		Event:     e.Event,
	}
}

// handleSessionEvents streams a session's events over a websocket. The
// optional after_id query parameter resumes from a cursor: retained events
// newer than the cursor are replayed first, then live events follow. A
// cursor older than the retained window yields a gap_detected frame and no
// replay.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return
	}
	if s.eventLog == nil {
		writeError(w, http.StatusNotFound, "event streaming not enabled")
		return
	}
	sessionID := r.PathValue("id")

	var afterID *uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after_id")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_id: "+raw)
			return
		}
		afterID = &parsed
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.eventLog.Subscribe(sessionID, afterID)
	defer sub.Close()

	if sub.Gap != nil {
		gap := map[string]any{
			"gap_detected": map[string]any{
				"requested_after_id":  sub.Gap.RequestedAfterID,
				"oldest_available_id": sub.Gap.OldestAvailableID,
				"newest_available_id": sub.Gap.NewestAvailableID,
				"resume_hint":         sub.Gap.ResumeHint,
			},
		}
		if err := conn.WriteJSON(gap); err != nil {
			return
		}
	}
	for _, envelope := range sub.Replay {
		if err := conn.WriteJSON(toWireEnvelope(envelope)); err != nil {
			return
		}
	}

	// Read pump: we never expect client frames, but reading is the only
	// way to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case envelope := <-sub.Live:
			if err := conn.WriteJSON(toWireEnvelope(envelope)); err != nil {
				return
			}
		}
	}
}

func readBodyLimited(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes", limit)
		}
		return nil, err
	}
	return data, nil
}

// storeDeliveryContext persists /send context keyed by channel and target
// so later sends can recover thread state. Entries expire after the
// configured TTL, independently of session mappings.
func (s *Server) storeDeliveryContext(channel, target string, context map[string]any) {
	if len(context) == 0 {
		return
	}
	key := channel + ":" + target
	copied := make(map[string]any, len(context))
	for k, v := range context {
		copied[k] = v
	}
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	s.pruneDeliveryContextsLocked()
	s.deliveryContexts[key] = deliveryContextEntry{
		context:   copied,
		expiresAt: time.Now().Add(s.deliveryTTL),
	}
}

func (s *Server) recallDeliveryContext(channel, target string) map[string]any {
	key := channel + ":" + target
	s.deliveryMu.Lock()
	defer s.deliveryMu.Unlock()
	s.pruneDeliveryContextsLocked()
	entry, ok := s.deliveryContexts[key]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(entry.context))
	for k, v := range entry.context {
		out[k] = v
	}
	return out
}

func (s *Server) pruneDeliveryContextsLocked() {
	now := time.Now()
	for key, entry := range s.deliveryContexts {
		if now.After(entry.expiresAt) {
			delete(s.deliveryContexts, key)
		}
	}
}

// GatewayStatus implements the gateway tool's status action and backs
// GET /status.
func (s *Server) GatewayStatus(ctx context.Context) (map[string]any, error) {
	channelCount := 0
	if s.channels != nil {
		channelCount = len(s.channels.All())
	}
	return map[string]any{
		"status":          "ok",
		"channels_count":  channelCount,
		"active_sessions": s.runRegistryOrNew().ActiveCount(),
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
	}, nil
}

// ConfigSnapshot returns the running configuration as a generic map, with
// the current config file hash when the path is known.
func (s *Server) ConfigSnapshot(ctx context.Context) (map[string]any, error) {
	encoded, err := json.Marshal(s.config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(encoded, &snapshot); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if hash, err := s.configFileHash(); err == nil && hash != "" {
		snapshot["config_hash"] = hash
	}
	return snapshot, nil
}

// ConfigSchema returns the configuration JSON schema.
func (s *Server) ConfigSchema(ctx context.Context) (json.RawMessage, error) {
	return config.JSONSchema()
}

// ApplyConfig validates raw as a full configuration and writes it to the
// config file. baseHash, when set, must match the current file's hash so
// concurrent edits are rejected instead of overwritten. Changes take full
// effect on the next restart.
func (s *Server) ApplyConfig(ctx context.Context, raw, baseHash string) (*toolsgateway.ConfigApplyResult, error) {
	if s.configPath == "" {
		return nil, errors.New("config path not configured")
	}
	if _, err := config.Parse([]byte(raw)); err != nil {
		return &toolsgateway.ConfigApplyResult{Applied: false, Message: "validation failed: " + err.Error()}, nil
	}
	if baseHash != "" {
		current, err := s.configFileHash()
		if err != nil {
			return nil, fmt.Errorf("hash current config: %w", err)
		}
		if current != baseHash {
			return &toolsgateway.ConfigApplyResult{
				Applied: false,
				Hash:    current,
				Message: "config changed since base_hash was read",
			}, nil
		}
	}
	tmp := s.configPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(raw), 0o600); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.configPath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("replace config: %w", err)
	}
	sum := sha256.Sum256([]byte(raw))
	return &toolsgateway.ConfigApplyResult{
		Applied: true,
		Hash:    hex.EncodeToString(sum[:]),
		Message: "config written; restart to apply all changes",
	}, nil
}

func (s *Server) configFileHash() (string, error) {
	if s.configPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

var _ toolsgateway.Controller = (*Server)(nil)
