package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		ID:        "m1",
		SessionID: "s1",
		Channel:   ChannelTelegram,
		ChannelID: "42",
		Direction: DirectionInbound,
		Role:      RoleUser,
		Content:   "hello",
		Metadata:  map[string]any{"chat_id": "42"},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != msg.ID || decoded.Channel != msg.Channel || decoded.Content != msg.Content {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Metadata["chat_id"] != "42" {
		t.Errorf("metadata = %v", decoded.Metadata)
	}
}

func TestToolCallInputPreservedVerbatim(t *testing.T) {
	call := ToolCall{
		ID:    "tc1",
		Name:  "view",
		Input: json.RawMessage(`{"path":"README.md","view_range":[1,5]}`),
	}
	data, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ToolCall
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(decoded.Input) != string(call.Input) {
		t.Errorf("input = %s, want %s", decoded.Input, call.Input)
	}
}

func TestToolResultErrorFlagOmitsWhenFalse(t *testing.T) {
	data, err := json.Marshal(ToolResult{ToolCallID: "tc1", Content: "ok"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"tool_call_id":"tc1","content":"ok"}` {
		t.Errorf("json = %s", data)
	}
}

func TestSessionTimestamps(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	session := Session{ID: "s1", Key: "telegram:dm:42", CreatedAt: created, UpdatedAt: created}

	data, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Session
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.CreatedAt.Equal(created) || decoded.Key != session.Key {
		t.Errorf("decoded = %+v", decoded)
	}
}
