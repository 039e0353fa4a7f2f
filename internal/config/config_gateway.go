package config

// GatewayConfig configures inbound routing and webhook handling.
type GatewayConfig struct {
	// Bindings pin channels (optionally scoped to a peer or group) to
	// fixed routing keys, overriding the scope-derived defaults.
	Bindings []BindingConfig `yaml:"bindings"`

	// WebhookHooks configures inbound webhook endpoints.
	WebhookHooks WebhookHooksConfig `yaml:"webhook_hooks"`
}

// BindingConfig is one explicit routing-key binding.
type BindingConfig struct {
	// Channel the binding applies to (e.g. "telegram").
	Channel string `yaml:"channel"`

	// Peer optionally narrows the binding to one direct peer id.
	Peer string `yaml:"peer,omitempty"`

	// Group optionally narrows the binding to one group id; threads under
	// the group match too. Mutually exclusive with Peer.
	Group string `yaml:"group,omitempty"`

	// RoutingKey is the session routing key matched messages map to.
	RoutingKey string `yaml:"routing_key"`
}

// CommandsConfig configures gateway command handling.
type CommandsConfig struct {
	// Enabled toggles text command handling. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// AllowFrom restricts command messages by channel to listed sender
	// ids. Example: {"telegram": ["12345"], "slack": ["*"]}.
	AllowFrom map[string][]string `yaml:"allow_from"`

	// InlineAllowFrom restricts inline command shortcuts by channel.
	// Empty disables inline commands.
	InlineAllowFrom map[string][]string `yaml:"inline_allow_from"`

	// InlineCommands lists command names runnable without a leading slash.
	InlineCommands []string `yaml:"inline_commands"`
}

// WebhookHooksConfig configures inbound webhook hook handling.
type WebhookHooksConfig struct {
	// Enabled turns on webhook endpoints.
	Enabled bool `yaml:"enabled"`

	// BasePath is the URL prefix for hooks (default: /hooks).
	BasePath string `yaml:"base_path"`

	// Token authenticates webhook callers.
	Token string `yaml:"token"`

	// MaxBodyBytes limits request bodies (default 256 KiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Mappings define the hook endpoints.
	Mappings []WebhookHookMapping `yaml:"mappings"`
}

// WebhookHookMapping defines one webhook endpoint.
type WebhookHookMapping struct {
	// Path is appended to BasePath.
	Path string `yaml:"path"`

	// Name labels the hook in logs and run history.
	Name string `yaml:"name"`

	// RoutingKey optionally pins the hook's messages to a fixed session;
	// empty derives one from the path.
	RoutingKey string `yaml:"routing_key,omitempty"`
}
