package config

// SessionConfig controls how inbound conversations map to sessions.
type SessionConfig struct {
	// DefaultAgentID is the agent identity sessions are created under.
	DefaultAgentID string `yaml:"default_agent_id"`

	// SlackScope chooses whether Slack threads share their channel's
	// session ("channel") or get their own ("thread", the default).
	SlackScope string `yaml:"slack_scope"`

	// DMScope controls how direct messages resolve to routing keys:
	// "main" (one shared session), "per-peer", or "per-channel-peer"
	// (the default).
	DMScope string `yaml:"dm_scope"`
}
