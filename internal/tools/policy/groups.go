package policy

// ToolGroups names bundles of tools for policy shorthand. Group names
// carry the "group:" prefix so they never collide with tool names.
var ToolGroups = map[string][]string{
	// Filesystem editing tools.
	"group:fs": {"view", "str_replace", "create", "insert"},

	// Command and process execution.
	"group:runtime": {"exec", "process"},

	// The gateway control-plane tool (status and config actions).
	"group:messaging": {"gateway"},

	// Health and usage introspection.
	"group:system": {"system_health", "provider_usage", "system_diagnostic"},

	// Every built-in tool.
	"group:stakpak": {
		"view", "str_replace", "create", "insert",
		"exec", "process",
		"gateway",
		"system_health", "provider_usage", "system_diagnostic",
	},

	// Tools that cannot modify state.
	"group:readonly": {"view", "system_health", "provider_usage", "system_diagnostic"},
}

// ToolProfiles maps profile names to their base policies. The coding
// profile covers development work; messaging allows only the gateway
// control-plane tool and the system tools; full relies on deny rules alone.
var ToolProfiles = map[string]*Policy{
	"coding": {
		Profile: ProfileCoding,
		Allow:   []string{"group:fs", "group:runtime", "group:system"},
	},
	"messaging": {
		Profile: ProfileMessaging,
		Allow:   []string{"group:messaging", "group:system"},
	},
	"readonly": {
		Allow: []string{"group:readonly"},
	},
	"full": {
		Profile: ProfileFull,
	},
	"minimal": {
		Profile: ProfileMinimal,
		Allow:   []string{"group:system"},
	},
}

// ExpandGroups replaces group references with their member tools,
// passing plain names through and deduplicating the result.
func ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)

	appendTool := func(tool string) {
		if !seen[tool] {
			seen[tool] = true
			result = append(result, tool)
		}
	}

	for _, item := range items {
		if tools, ok := ToolGroups[item]; ok {
			for _, tool := range tools {
				appendTool(tool)
			}
			continue
		}
		appendTool(item)
	}
	return result
}

// GetProfilePolicy returns the base policy for a named profile, nil if
// unknown.
func GetProfilePolicy(name string) *Policy {
	return ToolProfiles[name]
}
