package config

import "time"

// ToolsConfig configures the tool runtime.
type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
	Policies  ToolPoliciesConfig  `yaml:"policies"`
	Elevated  ElevatedConfig      `yaml:"elevated"`
	Jobs      ToolJobsConfig      `yaml:"jobs"`
}

// ToolExecutionConfig bounds tool execution and carries the approval
// policy surface.
type ToolExecutionConfig struct {
	MaxIterations   int                   `yaml:"max_iterations"`
	Parallelism     int                   `yaml:"parallelism"`
	Timeout         time.Duration         `yaml:"timeout"`
	MaxAttempts     int                   `yaml:"max_attempts"`
	RetryBackoff    time.Duration         `yaml:"retry_backoff"`
	DisableEvents   bool                  `yaml:"disable_events"`
	MaxToolCalls    int                   `yaml:"max_tool_calls"`
	RequireApproval []string              `yaml:"require_approval"`
	Async           []string              `yaml:"async"`
	Approval        ApprovalConfig        `yaml:"approval"`
	ResultGuard     ToolResultGuardConfig `yaml:"result_guard"`
}

// ApprovalConfig is the config-file surface of the approval policy.
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level: "coding",
	// "messaging", "readonly", "full", or "minimal". A profile's tools
	// land in the allowlist.
	Profile string `yaml:"profile"`

	// Allowlist, Denylist, and SafeBins extend the policy's pattern
	// lists.
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
	SafeBins  []string `yaml:"safe_bins"`

	// SkillAllowlist auto-allows skill-registered tools.
	SkillAllowlist *bool `yaml:"skill_allowlist"`

	// AskFallback queues approvals instead of denying when no decision
	// surface is attached.
	AskFallback *bool `yaml:"ask_fallback"`

	// DefaultDecision applies when no rule matches: "allowed", "denied",
	// or "pending".
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL bounds how long a queued approval stays decidable.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// ToolResultGuardConfig controls redaction of tool results before they
// are persisted or shown to the model.
type ToolResultGuardConfig struct {
	Enabled       bool     `yaml:"enabled"`
	MaxResultSize int      `yaml:"max_result_size"`
	RedactTools   []string `yaml:"redact_tools"`
}

// ToolPoliciesConfig sets the default tool allow/deny posture.
type ToolPoliciesConfig struct {
	// Default is "allow" or "deny".
	Default string `yaml:"default"`

	// Allow and Deny are tool name patterns.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ElevatedConfig controls the elevated-mode approval bypass.
type ElevatedConfig struct {
	Enabled bool     `yaml:"enabled"`
	Tools   []string `yaml:"tools"`
}

// ToolJobsConfig configures async tool job retention.
type ToolJobsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}
