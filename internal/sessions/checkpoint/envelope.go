// Package checkpoint implements the versioned checkpoint envelope used to
// persist a session's message history and resume a run after a restart.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// Version1 is the current checkpoint envelope version.
const Version1 = 1

// Format1 identifies the message shape carried by a Version1 envelope.
const Format1 = "stakai_message_v1"

// Envelope is the versioned, self-describing persisted form of a session's
// message history.
type Envelope struct {
	Version  int              `json:"version"`
	Format   string           `json:"format"`
	RunID    string           `json:"run_id,omitempty"`
	Messages []models.Message `json:"messages"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// New builds a current-version envelope.
func New(runID string, messages []models.Message, metadata map[string]any) Envelope {
	return Envelope{
		Version:  Version1,
		Format:   Format1,
		RunID:    runID,
		Messages: messages,
		Metadata: metadata,
	}
}

// Error reports a malformed or unsupported checkpoint payload.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Serialize marshals envelope to its on-disk JSON form.
func Serialize(envelope Envelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint payload: %w", err)
	}
	return payload, nil
}

// Deserialize parses payload into an Envelope, transparently migrating two
// legacy shapes that predate the versioned envelope:
//
//   - a bare JSON array of messages
//   - an object with a top-level "messages" field but no "version"
//
// Both are migrated into a Version1 envelope. A bare array gets metadata
// recording the migration source (migrated_from: legacy_messages_array) so
// downstream writers can tell a checkpoint was upgraded in place; a legacy
// object keeps its own metadata (empty when absent) and gets no marker.
func Deserialize(payload []byte) (Envelope, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, &Error{Reason: fmt.Sprintf("invalid checkpoint payload: %v", err)}
	}

	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		// A bare message array cannot be probed as an object.
		if migrated, ok := migrateLegacy(raw); ok {
			return migrated, nil
		}
		return Envelope{}, &Error{Reason: fmt.Sprintf("invalid checkpoint payload: %v", err)}
	}

	if probe.Version == nil {
		if migrated, ok := migrateLegacy(raw); ok {
			return migrated, nil
		}
		return Envelope{}, &Error{Reason: "checkpoint payload is missing version"}
	}

	if *probe.Version != Version1 {
		return Envelope{}, &Error{Reason: fmt.Sprintf("unsupported checkpoint version: %d", *probe.Version)}
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, &Error{Reason: fmt.Sprintf("invalid checkpoint payload: %v", err)}
	}

	if envelope.Format != Format1 {
		return Envelope{}, &Error{Reason: fmt.Sprintf("unsupported checkpoint format: %s", envelope.Format)}
	}

	return envelope, nil
}

func migrateLegacy(raw json.RawMessage) (Envelope, bool) {
	var asArray []models.Message
	if err := json.Unmarshal(raw, &asArray); err == nil {
		return New("", asArray, map[string]any{"migrated_from": "legacy_messages_array"}), true
	}

	var asObject struct {
		RunID    string           `json:"run_id"`
		Messages []models.Message `json:"messages"`
		Metadata map[string]any   `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &asObject); err != nil || asObject.Messages == nil {
		return Envelope{}, false
	}

	metadata := asObject.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return New(asObject.RunID, asObject.Messages, metadata), true
}
