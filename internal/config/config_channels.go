package config

// ChannelsConfig configures the chat platforms the gateway listens on.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// ChannelPolicyConfig controls who may talk to the agent on a channel.
type ChannelPolicyConfig struct {
	// Policy controls access: "open", "allowlist", or "disabled".
	Policy string `yaml:"policy"`
	// AllowFrom lists sender identifiers allowed under "allowlist".
	AllowFrom []string `yaml:"allow_from"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`

	DM    ChannelPolicyConfig `yaml:"dm"`
	Group ChannelPolicyConfig `yaml:"group"`
}
