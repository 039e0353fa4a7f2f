package config

// WorkspaceConfig locates the working tree the agent operates on.
type WorkspaceConfig struct {
	// Path is the workspace root. Default ".".
	Path string `yaml:"path"`

	// MaxChars bounds how much workspace context is injected into
	// prompts.
	MaxChars int `yaml:"max_chars"`
}

// PluginsConfig configures external plugin discovery.
type PluginsConfig struct {
	// Load.Paths are directories scanned for plugin manifests.
	Load PluginLoadConfig `yaml:"load"`

	// Entries carries per-plugin settings keyed by manifest id.
	Entries map[string]PluginEntryConfig `yaml:"entries"`
}

type PluginLoadConfig struct {
	Paths []string `yaml:"paths"`
}

type PluginEntryConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
}
