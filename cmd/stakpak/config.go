package main

import (
	"os"
	"strings"

	"github.com/stakpak-dev/runtime/internal/config"
)

const defaultConfigName = "stakpak.yaml"

// resolveConfigPath resolves the config file location: explicit --config
// flag, then $STAKPAK_CONFIG, then the default file name in the working
// directory.
func resolveConfigPath() string {
	if strings.TrimSpace(configPath) != "" {
		return configPath
	}
	if env := strings.TrimSpace(os.Getenv("STAKPAK_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// loadConfig loads the resolved config file, running it through the same
// default-filling and env-override pass as any other config load. A
// missing default config file is not an error: run/watch/trigger can all
// operate against built-in defaults plus environment variables (e.g.
// ANTHROPIC_API_KEY); only an explicitly-named missing file is an error.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if path != defaultConfigName || strings.TrimSpace(configPath) != "" {
			return nil, err
		}
		empty, tmpErr := os.CreateTemp("", "stakpak-empty-*.yaml")
		if tmpErr != nil {
			return nil, tmpErr
		}
		defer os.Remove(empty.Name())
		if _, tmpErr := empty.WriteString("{}\n"); tmpErr != nil {
			empty.Close()
			return nil, tmpErr
		}
		empty.Close()
		return config.Load(empty.Name())
	}
	return config.Load(path)
}
