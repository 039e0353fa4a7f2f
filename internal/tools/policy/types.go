// Package policy decides which tools an agent may use. Policies combine
// a base profile with explicit allow/deny lists; deny always wins.
// Group references ("group:fs") and MCP wildcards ("mcp:server.*")
// expand to concrete tool names before matching.
package policy

import (
	"strings"
)

// Profile names a pre-configured access level.
type Profile string

const (
	// ProfileMinimal allows only the system status tools.
	ProfileMinimal Profile = "minimal"

	// ProfileCoding allows filesystem and execution tools.
	ProfileCoding Profile = "coding"

	// ProfileMessaging allows the gateway control-plane tool.
	ProfileMessaging Profile = "messaging"

	// ProfileFull allows everything not explicitly denied.
	ProfileFull Profile = "full"
)

// Policy is one agent's tool access rules.
type Policy struct {
	// Profile supplies the base allow set.
	Profile Profile `json:"profile,omitempty" yaml:"profile"`

	// Allow grants tools beyond the profile. Entries may be tool names,
	// group references, or MCP patterns.
	Allow []string `json:"allow,omitempty" yaml:"allow"`

	// Deny revokes tools, overriding any allow.
	Deny []string `json:"deny,omitempty" yaml:"deny"`

	// ByProvider overlays provider-scoped rules. MCP tools key on
	// "mcp:<server>"; built-in tools key on "stakpak".
	ByProvider map[string]*Policy `json:"by_provider,omitempty" yaml:"by_provider,omitempty"`
}

// ToolAliases maps alternative spellings to canonical tool names, so
// configs written against common tool vocabularies keep working.
var ToolAliases = map[string]string{
	"bash":  "exec",
	"shell": "exec",
	"read":  "view",
	"write": "create",
	"edit":  "str_replace",
}

// NormalizeTool lowercases, trims, and resolves aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// IsMCPTool reports whether the name refers to a proxied MCP tool.
func IsMCPTool(toolName string) bool {
	normalized := strings.ToLower(strings.TrimSpace(toolName))
	return strings.HasPrefix(normalized, "mcp:") || strings.HasPrefix(normalized, "mcp_")
}

// ParseMCPToolName splits "mcp:server.tool" into its parts. Returns
// empty strings for non-MCP names.
func ParseMCPToolName(toolName string) (serverID, tool string) {
	normalized := strings.ToLower(strings.TrimSpace(toolName))
	if !strings.HasPrefix(normalized, "mcp:") {
		return "", ""
	}
	parts := strings.SplitN(strings.TrimPrefix(normalized, "mcp:"), ".", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
