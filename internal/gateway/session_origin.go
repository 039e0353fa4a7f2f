package gateway

import (
	"fmt"
	"strings"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// Session metadata keys recording where a session's conversation lives,
// so replies and later sends can reconstruct the delivery target.
const (
	sessionMetaOriginProvider = "origin_provider"
	sessionMetaOriginFrom     = "origin_from"
	sessionMetaOriginThreadID = "origin_thread_id"
	sessionMetaOriginLabel    = "origin_label"
)

// ensureSessionOriginMetadata fills the session's origin fields from the
// first message that arrives on it, reporting whether anything changed.
// Existing values are never overwritten: the origin is where the
// conversation started, not where the latest message came from.
func ensureSessionOriginMetadata(session *models.Session, msg *models.Message) bool {
	if session == nil {
		return false
	}

	changed := false
	setIfEmpty := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if session.Metadata == nil {
			session.Metadata = map[string]any{}
		}
		if existing, ok := session.Metadata[key]; ok && strings.TrimSpace(fmt.Sprint(existing)) != "" {
			return
		}
		session.Metadata[key] = value
		changed = true
	}

	provider := string(session.Channel)
	if msg != nil && msg.Channel != "" {
		provider = string(msg.Channel)
	}
	threadID := strings.TrimSpace(session.ChannelID)
	if threadID == "" && msg != nil {
		threadID = strings.TrimSpace(msg.ChannelID)
	}

	setIfEmpty(sessionMetaOriginProvider, provider)
	setIfEmpty(sessionMetaOriginThreadID, threadID)
	setIfEmpty(sessionMetaOriginFrom, findFirstMetaString(msg, "user_id", "sender_id", "from"))

	label := findFirstMetaString(msg, "group_name", "channel_name", "user_name")
	if label == "" {
		label = threadID
	}
	setIfEmpty(sessionMetaOriginLabel, label)

	return changed
}

// findFirstMetaString returns the first non-empty string value among the
// metadata keys.
func findFirstMetaString(msg *models.Message, keys ...string) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, key := range keys {
		if value, ok := msg.Metadata[key]; ok {
			if s := strings.TrimSpace(fmt.Sprint(value)); s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ""
}
