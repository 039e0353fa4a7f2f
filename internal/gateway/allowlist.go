package gateway

import (
	"strings"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// allowlistMatches reports whether senderID may use commands on channel,
// per the configured per-channel allowlists. A "default" entry applies to
// channels without their own list; "*" admits everyone on that channel.
func allowlistMatches(allowFrom map[string][]string, channel models.ChannelType, senderID string) bool {
	sender := normalizeAllowToken(senderID)
	if sender == "" || len(allowFrom) == 0 {
		return false
	}

	allow := allowFrom[strings.ToLower(string(channel))]
	if len(allow) == 0 {
		allow = allowFrom["default"]
	}
	for _, entry := range allow {
		token := normalizeAllowToken(entry)
		if token == "*" || (token != "" && token == sender) {
			return true
		}
	}
	return false
}

// normalizeAllowToken strips the decorations platforms put on ids (@user,
// #channel, platform:id prefixes) so config entries match what adapters
// report.
func normalizeAllowToken(value string) string {
	token := strings.TrimSpace(value)
	token = strings.TrimPrefix(token, "@")
	token = strings.TrimPrefix(token, "#")
	if _, after, found := strings.Cut(token, ":"); found {
		token = after
	}
	return strings.ToLower(strings.TrimSpace(token))
}
