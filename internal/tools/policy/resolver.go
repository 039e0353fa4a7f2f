package policy

import (
	"strings"
	"sync"
)

// Resolver evaluates policies against the live tool inventory. It owns
// the group table, registered MCP servers, and runtime aliases; safe
// for concurrent use.
type Resolver struct {
	mu         sync.RWMutex
	groups     map[string][]string
	mcpServers map[string][]string
	aliases    map[string]string
}

// Decision is the outcome of one policy check, with the rule that
// produced it for audit logs.
type Decision struct {
	Allowed bool
	Tool    string
	Reason  string
}

// NewResolver builds a resolver seeded with the built-in groups.
func NewResolver() *Resolver {
	groups := make(map[string][]string, len(ToolGroups))
	for name, tools := range ToolGroups {
		groups[name] = tools
	}
	return &Resolver{
		groups:     groups,
		mcpServers: make(map[string][]string),
		aliases:    make(map[string]string),
	}
}

// AddGroup registers a custom group for policy references.
func (r *Resolver) AddGroup(name string, tools []string) {
	r.mu.Lock()
	r.groups[name] = tools
	r.mu.Unlock()
}

// RegisterMCPServer records a server's tool list so "mcp:<server>.*"
// wildcards and the matching group reference expand to them.
func (r *Resolver) RegisterMCPServer(serverID string, tools []string) {
	r.mu.Lock()
	r.mcpServers[serverID] = tools
	r.groups["mcp:"+serverID] = tools
	r.mu.Unlock()
}

// RegisterAlias maps an alternative tool name onto a canonical one.
func (r *Resolver) RegisterAlias(alias, canonical string) {
	alias = NormalizeTool(alias)
	canonical = NormalizeTool(canonical)
	if alias == "" || canonical == "" {
		return
	}
	r.mu.Lock()
	r.aliases[alias] = canonical
	r.mu.Unlock()
}

// CanonicalName resolves a tool name through the static and registered
// aliases.
func (r *Resolver) CanonicalName(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalNameLocked(name)
}

func (r *Resolver) canonicalNameLocked(name string) string {
	normalized := NormalizeTool(name)
	if canonical, ok := r.aliases[normalized]; ok {
		return canonical
	}
	return normalized
}

// ExpandGroups expands group references and MCP server wildcards into
// concrete tool names, deduplicated.
func (r *Resolver) ExpandGroups(items []string) []string {
	var result []string
	seen := make(map[string]bool)
	appendTool := func(tool string) {
		if !seen[tool] {
			seen[tool] = true
			result = append(result, tool)
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, item := range items {
		normalized := r.canonicalNameLocked(item)

		if tools, ok := r.groups[normalized]; ok {
			for _, tool := range tools {
				appendTool(tool)
			}
			continue
		}

		if serverID, ok := mcpServerWildcard(normalized); ok {
			for _, tool := range r.mcpServers[serverID] {
				appendTool("mcp:" + serverID + "." + tool)
			}
			continue
		}

		appendTool(normalized)
	}
	return result
}

func mcpServerWildcard(pattern string) (string, bool) {
	if !strings.HasPrefix(pattern, "mcp:") || !strings.HasSuffix(pattern, ".*") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(pattern, "mcp:"), ".*"), true
}

// IsAllowed reports whether the policy permits the tool.
func (r *Resolver) IsAllowed(policy *Policy, toolName string) bool {
	return r.Decide(policy, toolName).Allowed
}

// Decide evaluates the policy for one tool: deny rules first, then the
// full-profile shortcut, then the expanded allow set.
func (r *Resolver) Decide(policy *Policy, toolName string) Decision {
	normalized := r.CanonicalName(toolName)
	decision := Decision{Tool: normalized, Reason: "no matching allow rule"}

	policy = r.effectivePolicyForTool(policy, normalized)
	if policy == nil {
		decision.Reason = "no policy configured"
		return decision
	}

	for _, d := range r.ExpandGroups(policy.Deny) {
		if matchToolPattern(d, normalized) {
			decision.Reason = "denied by rule: " + d
			return decision
		}
	}

	if policy.Profile == ProfileFull {
		decision.Allowed = true
		decision.Reason = "allowed by profile full"
		return decision
	}

	for _, a := range r.allowedSet(policy) {
		if matchToolPattern(a, normalized) {
			decision.Allowed = true
			decision.Reason = "allowed by rule: " + a
			return decision
		}
	}
	return decision
}

// allowedSet is the profile's base allows plus the policy's explicit
// allows, groups expanded.
func (r *Resolver) allowedSet(policy *Policy) []string {
	var allowed []string
	if policy.Profile != "" {
		if base := ToolProfiles[string(policy.Profile)]; base != nil {
			allowed = r.ExpandGroups(base.Allow)
		}
	}
	if len(policy.Allow) > 0 {
		allowed = append(allowed, r.ExpandGroups(policy.Allow)...)
	}
	return allowed
}

// effectivePolicyForTool overlays any provider-scoped rules onto the
// base policy for the tool's provider.
func (r *Resolver) effectivePolicyForTool(policy *Policy, toolName string) *Policy {
	if policy == nil || len(policy.ByProvider) == 0 {
		return policy
	}
	providerPolicy := policy.ByProvider[toolProviderKey(toolName)]
	if providerPolicy == nil {
		return policy
	}

	base := *policy
	base.ByProvider = nil
	override := *providerPolicy
	override.ByProvider = nil
	return Merge(&base, &override)
}

// toolProviderKey maps a tool name to its ByProvider key: "mcp:<server>"
// for proxied tools, "stakpak" for built-ins.
func toolProviderKey(toolName string) string {
	normalized := NormalizeTool(toolName)
	if strings.HasPrefix(normalized, "mcp:") {
		server, _ := ParseMCPToolName(normalized)
		if server != "" {
			return "mcp:" + server
		}
		return "mcp"
	}
	return "stakpak"
}

// matchToolPattern matches one rule against a tool name. Rules may be
// exact names, "*", "mcp:*", or prefix wildcards like "mcp:server.*".
func matchToolPattern(pattern, toolName string) bool {
	switch {
	case pattern == "*":
		return true
	case pattern == "mcp:*":
		return strings.HasPrefix(toolName, "mcp:")
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == toolName
	}
}

// FilterAllowed keeps only the tools the policy permits.
func (r *Resolver) FilterAllowed(policy *Policy, tools []string) []string {
	var result []string
	for _, tool := range tools {
		if r.IsAllowed(policy, tool) {
			result = append(result, tool)
		}
	}
	return result
}

// Merge folds policies left to right: the last profile wins, allow and
// deny lists accumulate, provider overlays merge with later entries
// replacing earlier ones.
func Merge(policies ...*Policy) *Policy {
	result := &Policy{}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if p.Profile != "" {
			result.Profile = p.Profile
		}
		result.Allow = append(result.Allow, p.Allow...)
		result.Deny = append(result.Deny, p.Deny...)
		if len(p.ByProvider) > 0 {
			if result.ByProvider == nil {
				result.ByProvider = make(map[string]*Policy)
			}
			for key, sub := range p.ByProvider {
				result.ByProvider[key] = sub
			}
		}
	}
	return result
}
