package checkpoint

import (
	"errors"
	"testing"

	"github.com/stakpak-dev/runtime/pkg/models"
)

func sampleEnvelope() Envelope {
	return New("run-1", []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi there"},
	}, map[string]any{"title": "greeting"})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original := sampleEnvelope()

	payload, err := Serialize(original)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	decoded, err := Deserialize(payload)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if decoded.Version != Version1 || decoded.Format != Format1 {
		t.Errorf("version/format = %d/%q", decoded.Version, decoded.Format)
	}
	if decoded.RunID != "run-1" {
		t.Errorf("RunID = %q", decoded.RunID)
	}
	if len(decoded.Messages) != 2 || decoded.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v", decoded.Messages)
	}
	if decoded.Metadata["title"] != "greeting" {
		t.Errorf("metadata = %v", decoded.Metadata)
	}
}

func TestDeserializeLegacyMessageArray(t *testing.T) {
	payload := []byte(`[{"role":"user","content":"legacy"}]`)

	envelope, err := Deserialize(payload)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if envelope.Version != Version1 || envelope.Format != Format1 {
		t.Errorf("migrated version/format = %d/%q", envelope.Version, envelope.Format)
	}
	if envelope.RunID != "" {
		t.Errorf("RunID = %q, want empty", envelope.RunID)
	}
	if envelope.Metadata["migrated_from"] != "legacy_messages_array" {
		t.Errorf("metadata = %v", envelope.Metadata)
	}
	if len(envelope.Messages) != 1 || envelope.Messages[0].Content != "legacy" {
		t.Errorf("messages = %+v", envelope.Messages)
	}
}

func TestDeserializeLegacyObject(t *testing.T) {
	payload := []byte(`{"messages":[{"role":"user","content":"old"}],"run_id":"r9"}`)

	envelope, err := Deserialize(payload)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if envelope.Version != Version1 {
		t.Errorf("version = %d", envelope.Version)
	}
	if envelope.RunID != "r9" {
		t.Errorf("RunID = %q", envelope.RunID)
	}
	if len(envelope.Messages) != 1 || envelope.Messages[0].Content != "old" {
		t.Errorf("messages = %+v", envelope.Messages)
	}
}

func TestDeserializeFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"invalid json", `{not json`, "invalid checkpoint payload"},
		{"unsupported version", `{"version":2,"format":"stakai_message_v1","messages":[]}`, "unsupported checkpoint version"},
		{"unsupported format", `{"version":1,"format":"something_else","messages":[]}`, "unsupported checkpoint format"},
		{"unversioned non-legacy", `{"foo":"bar"}`, "missing version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize([]byte(tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			var envErr *Error
			if !errors.As(err, &envErr) {
				t.Fatalf("error type = %T", err)
			}
		})
	}
}

func TestMigrationMarkerSurvivesRewrite(t *testing.T) {
	migrated, err := Deserialize([]byte(`[{"role":"user","content":"legacy"}]`))
	if err != nil {
		t.Fatal(err)
	}

	payload, err := Serialize(migrated)
	if err != nil {
		t.Fatal(err)
	}
	reread, err := Deserialize(payload)
	if err != nil {
		t.Fatal(err)
	}
	if reread.Metadata["migrated_from"] != "legacy_messages_array" {
		t.Errorf("migration marker lost on rewrite: %v", reread.Metadata)
	}
}
