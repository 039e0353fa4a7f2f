package config

// LLMConfig selects the provider stack and context-reduction strategy.
type LLMConfig struct {
	// DefaultProvider names the provider used when nothing overrides it:
	// "anthropic" (default), "openai", "openai-responses", "google",
	// "bedrock", or "venice".
	DefaultProvider string `yaml:"default_provider"`

	// Providers carries per-provider credentials and model defaults.
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// Bedrock configures AWS Bedrock access and model discovery.
	Bedrock BedrockConfig `yaml:"bedrock"`

	// ContextStrategy selects how full turn history is reduced before
	// each provider call: "passthrough" (default), "simple",
	// "scratchpad", or "task-board".
	ContextStrategy string `yaml:"context_strategy"`
}

// LLMProviderConfig is one provider's credentials and defaults. API keys
// fall back to the provider's environment variable when empty.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// BedrockConfig configures AWS Bedrock.
type BedrockConfig struct {
	// Region is the AWS region. Default us-east-1.
	Region string `yaml:"region"`

	// ProviderFilter limits model discovery to the named model vendors,
	// e.g. ["anthropic"]. Empty discovers everything.
	ProviderFilter []string `yaml:"provider_filter"`
}
