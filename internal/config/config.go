// Package config loads, defaults, and validates the runtime's YAML
// configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stakpak-dev/runtime/internal/mcp"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Commands      CommandsConfig      `yaml:"commands"`
	Auth          AuthConfig          `yaml:"auth"`
	Session       SessionConfig       `yaml:"session"`
	Workspace     WorkspaceConfig     `yaml:"workspace"`
	Plugins       PluginsConfig       `yaml:"plugins"`
	MCP           mcp.Config          `yaml:"mcp"`
	Channels      ChannelsConfig      `yaml:"channels"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Cron          CronConfig          `yaml:"cron"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, applying the same env expansion,
// defaults, and validation as Load. Unknown fields are rejected so typos
// surface at startup rather than as silently-ignored settings.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets the environment override listener and credential
// settings without touching the config file.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("STAKPAK_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("STAKPAK_HTTP_PORT")); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if value := strings.TrimSpace(os.Getenv("STAKPAK_METRICS_PORT")); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = port
		}
	}
	if value := strings.TrimSpace(os.Getenv("STAKPAK_JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("STAKPAK_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.Session.DefaultAgentID == "" {
		cfg.Session.DefaultAgentID = "main"
	}
	if cfg.Session.SlackScope == "" {
		cfg.Session.SlackScope = "thread"
	}
	if cfg.Session.DMScope == "" {
		cfg.Session.DMScope = "per-channel-peer"
	}

	if cfg.Workspace.Path == "" {
		cfg.Workspace.Path = "."
	}
	if cfg.Workspace.MaxChars == 0 {
		cfg.Workspace.MaxChars = 20000
	}

	if cfg.Commands.Enabled == nil {
		enabled := true
		cfg.Commands.Enabled = &enabled
	}
	if len(cfg.Commands.InlineCommands) == 0 {
		cfg.Commands.InlineCommands = []string{"help", "commands", "status", "whoami"}
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.Bedrock.Region == "" {
		cfg.LLM.Bedrock.Region = "us-east-1"
	}

	if cfg.Tools.Jobs.Retention == 0 {
		cfg.Tools.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Tools.Jobs.PruneInterval == 0 {
		cfg.Tools.Jobs.PruneInterval = time.Hour
	}

	if cfg.Gateway.WebhookHooks.BasePath == "" {
		cfg.Gateway.WebhookHooks.BasePath = "/hooks"
	}
	if cfg.Gateway.WebhookHooks.MaxBodyBytes == 0 {
		cfg.Gateway.WebhookHooks.MaxBodyBytes = 256 << 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// ConfigValidationError aggregates every problem found in one pass so a
// broken config file is fixed in one round trip.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Issues, "; "))
}

func validateConfig(cfg *Config) error {
	var issues []string

	if cfg.Session.SlackScope != "thread" && cfg.Session.SlackScope != "channel" {
		issues = append(issues, `session.slack_scope must be "thread" or "channel"`)
	}
	switch cfg.Session.DMScope {
	case "main", "per-peer", "per-channel-peer":
	default:
		issues = append(issues, `session.dm_scope must be "main", "per-peer", or "per-channel-peer"`)
	}

	for i, binding := range cfg.Gateway.Bindings {
		if strings.TrimSpace(binding.Channel) == "" {
			issues = append(issues, fmt.Sprintf("gateway.bindings[%d]: channel is required", i))
		}
		if strings.TrimSpace(binding.RoutingKey) == "" {
			issues = append(issues, fmt.Sprintf("gateway.bindings[%d]: routing_key is required", i))
		}
		if binding.Peer != "" && binding.Group != "" {
			issues = append(issues, fmt.Sprintf("gateway.bindings[%d]: peer and group are mutually exclusive", i))
		}
	}

	if cfg.Channels.Telegram.Enabled && strings.TrimSpace(cfg.Channels.Telegram.BotToken) == "" {
		issues = append(issues, "channels.telegram.bot_token is required when telegram is enabled")
	}
	if cfg.Channels.Slack.Enabled {
		if strings.TrimSpace(cfg.Channels.Slack.BotToken) == "" || strings.TrimSpace(cfg.Channels.Slack.AppToken) == "" {
			issues = append(issues, "channels.slack needs bot_token and app_token when enabled")
		}
	}

	if cfg.Cron.Enabled {
		for i, job := range cfg.Cron.Jobs {
			if strings.TrimSpace(job.ID) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d]: id is required", i))
			}
			if strings.TrimSpace(job.Schedule.Cron) == "" && job.Schedule.Every == 0 && strings.TrimSpace(job.Schedule.At) == "" {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d]: schedule needs cron, every, or at", i))
			}
			if job.Type == "webhook" && (job.Webhook == nil || strings.TrimSpace(job.Webhook.URL) == "") {
				issues = append(issues, fmt.Sprintf("cron.jobs[%d]: webhook job needs a url", i))
			}
		}
	}

	for i, server := range cfg.MCP.Servers {
		if err := server.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("mcp.servers[%d]: %v", i, err))
		}
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
