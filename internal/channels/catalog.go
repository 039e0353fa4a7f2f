package channels

import (
	"strings"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// ChatChannelID is the user-facing identifier for a chat platform, as it
// appears in config files and API requests.
type ChatChannelID string

const (
	ChannelTelegram ChatChannelID = "telegram"
	ChannelSlack    ChatChannelID = "slack"
	ChannelAPI      ChatChannelID = "api"
)

// ChannelMeta describes a supported platform for listings and help text.
type ChannelMeta struct {
	ID    ChatChannelID
	Name  string
	Label string
}

// ChannelCapabilities describes what a platform's message surface can do;
// the gateway uses MaxMessageLength to size reply chunks.
type ChannelCapabilities struct {
	SupportsThreads     bool
	SupportsAttachments bool
	SupportsRichText    bool
	MaxMessageLength    int
}

var channelCatalog = map[ChatChannelID]struct {
	meta ChannelMeta
	caps ChannelCapabilities
}{
	ChannelTelegram: {
		meta: ChannelMeta{ID: ChannelTelegram, Name: "Telegram", Label: "Telegram"},
		caps: ChannelCapabilities{
			SupportsThreads:     true,
			SupportsAttachments: true,
			SupportsRichText:    true,
			MaxMessageLength:    4096,
		},
	},
	ChannelSlack: {
		meta: ChannelMeta{ID: ChannelSlack, Name: "Slack", Label: "Slack"},
		caps: ChannelCapabilities{
			SupportsThreads:     true,
			SupportsAttachments: true,
			SupportsRichText:    true,
			MaxMessageLength:    4000,
		},
	},
	ChannelAPI: {
		meta: ChannelMeta{ID: ChannelAPI, Name: "API", Label: "HTTP API"},
		caps: ChannelCapabilities{MaxMessageLength: 0},
	},
}

var channelAliases = map[string]ChatChannelID{
	"tg":   ChannelTelegram,
	"http": ChannelAPI,
}

// NormalizeChatChannelID maps a raw channel name (or alias) to its
// canonical id. Unknown names pass through trimmed and lowercased, for
// IsValidChannelID to reject.
func NormalizeChatChannelID(raw string) ChatChannelID {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := channelAliases[value]; ok {
		return alias
	}
	return ChatChannelID(value)
}

// IsValidChannelID reports whether id names a supported platform.
func IsValidChannelID(id ChatChannelID) bool {
	_, ok := channelCatalog[id]
	return ok
}

// GetChatChannelMeta returns a platform's metadata, or nil when unknown.
func GetChatChannelMeta(id ChatChannelID) *ChannelMeta {
	entry, ok := channelCatalog[id]
	if !ok {
		return nil
	}
	meta := entry.meta
	return &meta
}

// GetChannelCapabilities returns a platform's capabilities, or nil when
// unknown.
func GetChannelCapabilities(id ChatChannelID) *ChannelCapabilities {
	entry, ok := channelCatalog[id]
	if !ok {
		return nil
	}
	caps := entry.caps
	return &caps
}

// ToModelChannelType converts a catalog id to the message-model channel
// type.
func ToModelChannelType(id ChatChannelID) models.ChannelType {
	switch id {
	case ChannelTelegram:
		return models.ChannelTelegram
	case ChannelSlack:
		return models.ChannelSlack
	default:
		return models.ChannelAPI
	}
}

// FromModelChannelType converts a message-model channel type back to its
// catalog id.
func FromModelChannelType(ct models.ChannelType) ChatChannelID {
	switch ct {
	case models.ChannelTelegram:
		return ChannelTelegram
	case models.ChannelSlack:
		return ChannelSlack
	default:
		return ChannelAPI
	}
}
