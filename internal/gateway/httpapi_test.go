package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/eventlog"
	"github.com/stakpak-dev/runtime/internal/idempotency"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// recordingAdapter is an outbound-only channel adapter that captures what
// was sent.
type recordingAdapter struct {
	channelType models.ChannelType

	mu   sync.Mutex
	sent []*models.Message
}

func (a *recordingAdapter) Type() models.ChannelType { return a.channelType }

func (a *recordingAdapter) Send(ctx context.Context, msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *recordingAdapter) Sent() []*models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*models.Message, len(a.sent))
	copy(out, a.sent)
	return out
}

func newAPITestServer(t *testing.T, opts ...Option) (*Server, *recordingAdapter) {
	t.Helper()
	adapter := &recordingAdapter{channelType: models.ChannelTelegram}
	registry := channels.NewRegistry()
	registry.Register(adapter)

	base := []Option{
		WithIdempotency(idempotency.New(time.Hour)),
		WithEventLog(eventlog.New(8)),
	}
	server := NewServer(nil, nil, sessions.NewMemoryStore(), registry, append(base, opts...)...)
	return server, adapter
}

func postSend(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleSendDeliversChunkedReply(t *testing.T) {
	server, adapter := newAPITestServer(t)
	handler := server.APIHandler()

	rec := postSend(t, handler, `{"channel":"telegram","target":"chat-9","text":"hello there"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["delivered"] != true {
		t.Errorf("delivered = %v, want true", resp["delivered"])
	}

	sent := adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].ChannelID != "chat-9" || sent[0].Content != "hello there" {
		t.Errorf("sent = %+v", sent[0])
	}
}

func TestHandleSendValidation(t *testing.T) {
	server, _ := newAPITestServer(t)
	handler := server.APIHandler()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing channel", `{"target":"x","text":"y"}`, http.StatusBadRequest},
		{"missing text", `{"channel":"telegram","target":"x"}`, http.StatusBadRequest},
		{"unknown channel", `{"channel":"pager","target":"x","text":"y"}`, http.StatusBadRequest},
		{"unconnected channel", `{"channel":"slack","target":"x","text":"y"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postSend(t, handler, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestHandleSendBearerAuth(t *testing.T) {
	server, _ := newAPITestServer(t, WithAPIToken("sekret"))
	handler := server.APIHandler()
	body := `{"channel":"telegram","target":"x","text":"y"}`

	if rec := postSend(t, handler, body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	headers := map[string]string{"Authorization": "Bearer wrong"}
	if rec := postSend(t, handler, body, headers); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	headers["Authorization"] = "Bearer sekret"
	if rec := postSend(t, handler, body, headers); rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", rec.Code)
	}
}

func TestHandleSendIdempotency(t *testing.T) {
	server, adapter := newAPITestServer(t)
	handler := server.APIHandler()
	body := `{"channel":"telegram","target":"x","text":"once"}`
	headers := map[string]string{"Idempotency-Key": "key-1"}

	first := postSend(t, handler, body, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first send: status = %d", first.Code)
	}

	// Same key, same body: replayed, not re-delivered.
	second := postSend(t, handler, body, headers)
	if second.Code != http.StatusOK {
		t.Errorf("replay: status = %d, want 200", second.Code)
	}
	if got := len(adapter.Sent()); got != 1 {
		t.Errorf("adapter sent %d messages, want 1 (replay must not re-deliver)", got)
	}

	// Same key, different body: conflict.
	conflict := postSend(t, handler, `{"channel":"telegram","target":"x","text":"twice"}`, headers)
	if conflict.Code != http.StatusConflict {
		t.Errorf("conflict: status = %d, want 409", conflict.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	server, _ := newAPITestServer(t)
	handler := server.APIHandler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status field = %v", resp["status"])
	}
	if resp["channels_count"] != float64(1) {
		t.Errorf("channels_count = %v, want 1", resp["channels_count"])
	}
	if _, ok := resp["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds")
	}
}

func TestHandleSessions(t *testing.T) {
	server, _ := newAPITestServer(t)
	store := server.sessions
	if _, err := store.GetOrCreate(context.Background(), "telegram:dm:42", "main", models.ChannelTelegram, "42"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	server.APIHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Sessions []struct {
			Key string `json:"key"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].Key != "telegram:dm:42" {
		t.Errorf("sessions = %+v", resp.Sessions)
	}
}

func TestSessionEventsGapDetection(t *testing.T) {
	log := eventlog.New(3)
	server, _ := newAPITestServer(t, WithEventLog(log))

	for i := 0; i < 5; i++ {
		log.Publish("s1", "run-1", models.AgentEvent{Type: models.AgentEventModelDelta})
	}

	ts := httptest.NewServer(server.APIHandler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/s1/events?after_id=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	gap, ok := frame["gap_detected"].(map[string]any)
	if !ok {
		t.Fatalf("expected gap_detected frame, got %v", frame)
	}
	if gap["requested_after_id"] != float64(1) ||
		gap["oldest_available_id"] != float64(3) ||
		gap["newest_available_id"] != float64(5) {
		t.Errorf("gap = %v", gap)
	}
	if gap["resume_hint"] != eventlog.ResumeHintRefreshSnapshot {
		t.Errorf("resume_hint = %v", gap["resume_hint"])
	}
}

func TestDeliveryContextTTL(t *testing.T) {
	server, _ := newAPITestServer(t, WithDeliveryContextTTL(time.Hour))

	server.storeDeliveryContext("telegram", "chat-1", map[string]any{"thread_id": "t9"})
	got := server.recallDeliveryContext("telegram", "chat-1")
	if got == nil || got["thread_id"] != "t9" {
		t.Fatalf("recalled = %v", got)
	}

	// A different target shares nothing.
	if got := server.recallDeliveryContext("telegram", "chat-2"); got != nil {
		t.Errorf("unexpected context for other target: %v", got)
	}
}

func TestRoutingKeyForMessages(t *testing.T) {
	server, _ := newAPITestServer(t, WithRouterConfig(RouterConfig{DMScope: DMScopePerChannelPeer}))

	tests := []struct {
		name string
		msg  *models.Message
		want string
	}{
		{
			"direct message",
			&models.Message{Channel: models.ChannelTelegram, Metadata: map[string]any{MetaUserID: "u1", MetaChatID: "u1"}},
			"telegram:dm:u1",
		},
		{
			"group message",
			&models.Message{Channel: models.ChannelTelegram, Metadata: map[string]any{MetaUserID: "u1", MetaChatID: "g1", MetaGroupID: "g1", MetaIsGroup: true}},
			"telegram:group:g1",
		},
		{
			"thread message",
			&models.Message{Channel: models.ChannelSlack, Metadata: map[string]any{MetaUserID: "u1", MetaChatID: "c1", MetaThreadID: "t1"}},
			"slack:thread:c1:t1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.routingKeyFor(tt.msg); got != tt.want {
				t.Errorf("routingKeyFor = %q, want %q", got, tt.want)
			}
		})
	}
}
