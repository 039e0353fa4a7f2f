// Package pluginsdk defines the manifest contract external plugins ship
// with: a JSON descriptor naming the plugin and carrying the JSON
// schema its configuration must satisfy.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Manifest file names probed in each plugin directory; the legacy name
// is accepted for plugins written against the old SDK.
const (
	ManifestFilename       = "stakpak.plugin.json"
	LegacyManifestFilename = "stakai.plugin.json"
)

// Manifest is a plugin's self-description. ID and ConfigSchema are
// required; everything else is informational.
type Manifest struct {
	ID          string `json:"id"`
	Kind        string `json:"kind,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	// ConfigSchema is the JSON schema the plugin's config entry must
	// validate against before the plugin is surfaced.
	ConfigSchema json.RawMessage `json:"configSchema"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// DecodeManifest parses a manifest from raw JSON.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// DecodeManifestFile reads and parses a manifest file.
func DecodeManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return DecodeManifest(data)
}

// Validate checks the required fields.
func (m *Manifest) Validate() error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("manifest id is required")
	}
	if len(m.ConfigSchema) == 0 {
		return fmt.Errorf("manifest configSchema is required")
	}
	return nil
}
