package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
	"golang.org/x/text/unicode/norm"
)

// Canonical metadata keys. Adapters attach whatever their platform
// gives them; normalization maps those onto these keys so routing and
// session derivation never read channel-specific names.
const (
	MetaUserID    = "user_id"
	MetaUserName  = "user_name"
	MetaChatID    = "chat_id"
	MetaThreadID  = "thread_id"
	MetaReplyTo   = "reply_to"
	MetaGroupID   = "group_id"
	MetaGroupName = "group_name"
	MetaPeerID    = "peer_id"
	MetaPeerName  = "peer_name"
	MetaIsGroup   = "is_group"

	// MetaMediaText and MetaMediaErrors carry media transcription
	// output and failures.
	MetaMediaText   = "media_text"
	MetaMediaErrors = "media_errors"

	// MetaNormalized marks a message as already processed, making
	// Normalize idempotent. Original channel keys survive under the
	// MetaOriginalPrefix when preservation is on.
	MetaNormalized     = "_normalized"
	MetaNormalizedAt   = "_normalized_at"
	MetaOriginalPrefix = "_original_"
)

// MessageNormalizer rewrites inbound messages into canonical form.
type MessageNormalizer struct {
	preserveOriginal bool
}

// NormalizerOption configures a MessageNormalizer.
type NormalizerOption func(*MessageNormalizer)

// WithPreserveOriginal controls whether channel-specific keys are kept
// under the original-prefix. On by default.
func WithPreserveOriginal(preserve bool) NormalizerOption {
	return func(n *MessageNormalizer) { n.preserveOriginal = preserve }
}

// NewMessageNormalizer builds a normalizer.
func NewMessageNormalizer(opts ...NormalizerOption) *MessageNormalizer {
	n := &MessageNormalizer{preserveOriginal: true}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize fills defaults, canonicalizes text, and maps channel
// metadata onto the canonical keys. Idempotent.
func (n *MessageNormalizer) Normalize(msg *models.Message) {
	if msg == nil {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	if _, ok := msg.Metadata[MetaNormalized]; ok {
		return
	}

	// Canonicalize text so lookalike composed/decomposed sequences from
	// different client platforms compare and route identically.
	msg.Content = norm.NFC.String(msg.Content)

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}

	switch msg.Channel {
	case models.ChannelTelegram:
		n.normalizeTelegram(msg)
	case models.ChannelSlack:
		n.normalizeSlack(msg)
	case models.ChannelAPI:
		// API callers already speak the canonical keys.
	}

	n.normalizeAttachments(msg)

	msg.Metadata[MetaNormalized] = true
	msg.Metadata[MetaNormalizedAt] = time.Now().Format(time.RFC3339)
}

func (n *MessageNormalizer) normalizeTelegram(msg *models.Message) {
	meta := msg.Metadata

	if chatID := meta["chat_id"]; chatID != nil {
		n.preserve(meta, "chat_id")
		meta[MetaChatID] = fmt.Sprintf("%v", chatID)
	}
	if userID := meta["user_id"]; userID != nil {
		n.preserve(meta, "user_id")
		meta[MetaUserID] = fmt.Sprintf("%v", userID)
	}

	// Telegram splits the display name into first/last.
	var nameParts []string
	if first, ok := meta["user_first"].(string); ok && first != "" {
		nameParts = append(nameParts, first)
	}
	if last, ok := meta["user_last"].(string); ok && last != "" {
		nameParts = append(nameParts, last)
	}
	if len(nameParts) > 0 {
		meta[MetaUserName] = strings.Join(nameParts, " ")
	}

	if meta[MetaPeerID] == nil && meta[MetaChatID] != nil {
		meta[MetaPeerID] = meta[MetaChatID]
	}
}

func (n *MessageNormalizer) normalizeSlack(msg *models.Message) {
	meta := msg.Metadata

	// Slack adapters have used both key spellings for the sender.
	for _, key := range []string{"slack_user_id", "slack_user"} {
		if userID, ok := meta[key].(string); ok && userID != "" {
			n.preserve(meta, key)
			meta[MetaUserID] = userID
			break
		}
	}
	if channel, ok := meta["slack_channel"].(string); ok && channel != "" {
		n.preserve(meta, "slack_channel")
		meta[MetaChatID] = channel
	}
	if threadTS, ok := meta["slack_thread_ts"].(string); ok && threadTS != "" {
		n.preserve(meta, "slack_thread_ts")
		meta[MetaThreadID] = threadTS
	}
}

func (n *MessageNormalizer) preserve(meta map[string]any, key string) {
	if !n.preserveOriginal {
		return
	}
	if val, ok := meta[key]; ok {
		meta[MetaOriginalPrefix+key] = val
	}
}

// normalizeAttachments fills in attachment types, preferring the MIME
// type over the filename extension, defaulting to document.
func (n *MessageNormalizer) normalizeAttachments(msg *models.Message) {
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.Type == "" && att.MimeType != "" {
			att.Type = detectAttachmentType(att.MimeType)
		}
		if att.Type == "" && att.Filename != "" {
			att.Type = detectTypeFromFilename(att.Filename)
		}
		if att.Type == "" {
			att.Type = "document"
		}
	}
}

func detectAttachmentType(mimeType string) string {
	mimeType = strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "text/"):
		return "text"
	case strings.Contains(mimeType, "spreadsheet") || strings.Contains(mimeType, "excel"):
		return "spreadsheet"
	case strings.Contains(mimeType, "presentation") || strings.Contains(mimeType, "powerpoint"):
		return "presentation"
	default:
		return "document"
	}
}

var extensionTypes = map[string]string{
	"jpg": "image", "jpeg": "image", "png": "image", "gif": "image",
	"webp": "image", "bmp": "image", "svg": "image", "heic": "image",
	"mp3": "audio", "wav": "audio", "ogg": "audio", "m4a": "audio",
	"aac": "audio", "flac": "audio", "opus": "audio",
	"mp4": "video", "mov": "video", "avi": "video", "mkv": "video", "webm": "video",
	"txt": "text", "md": "text", "json": "text", "xml": "text", "csv": "text", "log": "text",
	"xls": "spreadsheet", "xlsx": "spreadsheet",
	"ppt": "presentation", "pptx": "presentation",
}

func detectTypeFromFilename(filename string) string {
	ext := strings.ToLower(filename)
	if idx := strings.LastIndex(ext, "."); idx >= 0 {
		ext = ext[idx+1:]
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return "document"
}

// DeriveSessionID hashes channel + chat + thread into a stable session
// id, so re-derivation on any gateway instance lands in the same
// session.
func DeriveSessionID(channel models.ChannelType, chatID, threadID string) string {
	parts := []string{string(channel), chatID}
	if threadID != "" {
		parts = append(parts, threadID)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:16])
}

// ExtractSessionKey reads the canonical chat/thread keys.
func ExtractSessionKey(msg *models.Message) (chatID, threadID string) {
	if msg.Metadata == nil {
		return "", ""
	}
	chatID, _ = msg.Metadata[MetaChatID].(string)
	threadID, _ = msg.Metadata[MetaThreadID].(string)
	return chatID, threadID
}

// ExtractUserInfo reads the canonical user keys.
func ExtractUserInfo(msg *models.Message) (userID, userName string) {
	if msg.Metadata == nil {
		return "", ""
	}
	userID, _ = msg.Metadata[MetaUserID].(string)
	userName, _ = msg.Metadata[MetaUserName].(string)
	return userID, userName
}

// IsGroupMessage reports whether the message came from a group context,
// falling back to group id presence when the flag is absent.
func IsGroupMessage(msg *models.Message) bool {
	if msg.Metadata == nil {
		return false
	}
	if isGroup, ok := msg.Metadata[MetaIsGroup].(bool); ok {
		return isGroup
	}
	groupID, _ := msg.Metadata[MetaGroupID].(string)
	return groupID != ""
}

// GetReplyTo returns the replied-to message id, if any.
func GetReplyTo(msg *models.Message) string {
	if msg.Metadata == nil {
		return ""
	}
	replyTo, _ := msg.Metadata[MetaReplyTo].(string)
	return replyTo
}
