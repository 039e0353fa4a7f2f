package agent

import (
	"regexp"
	"strings"

	"github.com/stakpak-dev/runtime/internal/tools/policy"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// DefaultMaxToolResultSize caps sanitized tool results at 64 KiB.
const DefaultMaxToolResultSize = 64 * 1024

// secretResultPatterns catches credential-shaped content inside tool
// output before it is persisted or echoed to the model.
var secretResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[\w-]{20,}['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[\w\-.]+`),
	regexp.MustCompile(`(?i)(aws|amazon).{0,20}(key|secret|token)\s*[:=]\s*['"]?[\w/+=]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|secret|token)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// ToolResultGuard redacts and bounds tool results before persistence.
// The zero value is inert.
type ToolResultGuard struct {
	Enabled         bool
	MaxChars        int
	Denylist        []string
	RedactPatterns  []string
	RedactionText   string
	TruncateSuffix  string
	SanitizeSecrets bool
}

func (g ToolResultGuard) active() bool {
	return g.Enabled || g.MaxChars > 0 || len(g.Denylist) > 0 ||
		len(g.RedactPatterns) > 0 || g.SanitizeSecrets
}

// Apply redacts result per the guard's rules: denylisted tools are
// replaced wholesale, secret patterns are masked, and oversized content
// is truncated.
func (g ToolResultGuard) Apply(toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	if !g.active() {
		return result
	}

	redaction := strings.TrimSpace(g.RedactionText)
	if redaction == "" {
		redaction = "[REDACTED]"
	}

	if matchesToolPatterns(g.Denylist, toolName, resolver) {
		result.Content = redaction
		return result
	}

	content := result.Content
	if g.SanitizeSecrets {
		for _, pattern := range secretResultPatterns {
			content = pattern.ReplaceAllString(content, redaction)
		}
	}
	for _, raw := range g.RedactPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if pattern, err := regexp.Compile(raw); err == nil {
			content = pattern.ReplaceAllString(content, redaction)
		}
	}

	if g.MaxChars > 0 && len(content) > g.MaxChars {
		suffix := strings.TrimSpace(g.TruncateSuffix)
		if suffix == "" {
			suffix = "...[truncated]"
		}
		content = content[:g.MaxChars] + suffix
	}

	result.Content = content
	return result
}

// SanitizeToolResult applies the default bounds: a 64 KiB cap plus secret
// masking.
func SanitizeToolResult(result string) string {
	if len(result) > DefaultMaxToolResultSize {
		result = result[:DefaultMaxToolResultSize] + "\n...[truncated]"
	}
	for _, pattern := range secretResultPatterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}
