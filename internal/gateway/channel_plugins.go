package gateway

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/channels/slack"
	"github.com/stakpak-dev/runtime/internal/channels/telegram"
	"github.com/stakpak-dev/runtime/internal/config"
	"github.com/stakpak-dev/runtime/pkg/models"
	"github.com/stakpak-dev/runtime/pkg/pluginsdk"
)

// ChannelPluginManifest names a builtin channel for listings.
type ChannelPluginManifest struct {
	ID   models.ChannelType
	Name string
}

// ChannelPlugin builds one channel adapter from config when enabled.
type ChannelPlugin interface {
	Manifest() ChannelPluginManifest
	Enabled(cfg *config.Config) bool
	Build(cfg *config.Config, logger *slog.Logger) (channels.Adapter, error)
}

type channelPluginEntry struct {
	plugin  ChannelPlugin
	once    sync.Once
	adapter channels.Adapter
	err     error
}

func (e *channelPluginEntry) Load(cfg *config.Config, logger *slog.Logger) (channels.Adapter, error) {
	e.once.Do(func() {
		e.adapter, e.err = e.plugin.Build(cfg, logger)
	})
	return e.adapter, e.err
}

type channelPluginRegistry struct {
	plugins map[models.ChannelType]*channelPluginEntry
}

func newChannelPluginRegistry() *channelPluginRegistry {
	return &channelPluginRegistry{plugins: make(map[models.ChannelType]*channelPluginEntry)}
}

func (r *channelPluginRegistry) Register(plugin ChannelPlugin) {
	r.plugins[plugin.Manifest().ID] = &channelPluginEntry{plugin: plugin}
}

func (r *channelPluginRegistry) LoadEnabled(cfg *config.Config, registry *channels.Registry, logger *slog.Logger) error {
	for _, entry := range r.plugins {
		if !entry.plugin.Enabled(cfg) {
			continue
		}
		adapter, err := entry.Load(cfg, logger)
		if err != nil {
			return err
		}
		registry.Register(adapter)
	}
	return nil
}

// BuildChannelRegistry loads every enabled builtin channel plugin into a
// fresh channel registry, and validates any external plugin manifests on
// the configured load paths so a broken manifest is reported at startup
// rather than at first use.
func BuildChannelRegistry(cfg *config.Config, logger *slog.Logger) (*channels.Registry, error) {
	plugins := newChannelPluginRegistry()
	plugins.Register(telegramPlugin{})
	plugins.Register(slackPlugin{})

	registry := channels.NewRegistry()
	if err := plugins.LoadEnabled(cfg, registry, logger); err != nil {
		return nil, err
	}
	for _, manifest := range discoverExternalPluginManifests(cfg, logger) {
		logger.Info("external plugin available",
			"id", manifest.ID,
			"kind", manifest.Kind,
			"version", manifest.Version)
	}
	return registry, nil
}

type telegramPlugin struct{}

func (telegramPlugin) Manifest() ChannelPluginManifest {
	return ChannelPluginManifest{ID: models.ChannelTelegram, Name: "Telegram"}
}

func (telegramPlugin) Enabled(cfg *config.Config) bool {
	return cfg != nil && cfg.Channels.Telegram.Enabled
}

func (telegramPlugin) Build(cfg *config.Config, logger *slog.Logger) (channels.Adapter, error) {
	return telegram.New(telegram.Config{Token: cfg.Channels.Telegram.BotToken}, logger)
}

type slackPlugin struct{}

func (slackPlugin) Manifest() ChannelPluginManifest {
	return ChannelPluginManifest{ID: models.ChannelSlack, Name: "Slack"}
}

func (slackPlugin) Enabled(cfg *config.Config) bool {
	return cfg != nil && cfg.Channels.Slack.Enabled
}

func (slackPlugin) Build(cfg *config.Config, logger *slog.Logger) (channels.Adapter, error) {
	return slack.New(slack.Config{
		BotToken: cfg.Channels.Slack.BotToken,
		AppToken: cfg.Channels.Slack.AppToken,
	}, logger)
}

// discoverExternalPluginManifests walks the configured plugin load paths
// for plugin manifests, validating each (including its config schema
// against any configured entry) and skipping the broken ones with a
// warning.
func discoverExternalPluginManifests(cfg *config.Config, logger *slog.Logger) []*pluginsdk.Manifest {
	if cfg == nil {
		return nil
	}
	var out []*pluginsdk.Manifest
	for _, root := range cfg.Plugins.Load.Paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("read plugin path", "path", root, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifest := readPluginManifest(filepath.Join(root, entry.Name()))
			if manifest == nil {
				continue
			}
			if err := manifest.Validate(); err != nil {
				logger.Warn("invalid plugin manifest", "plugin", entry.Name(), "error", err)
				continue
			}
			if pluginCfg, ok := cfg.Plugins.Entries[manifest.ID]; ok && pluginCfg.Config != nil {
				if err := manifest.ValidateConfig(pluginCfg.Config); err != nil {
					logger.Warn("plugin config rejected by manifest schema", "plugin", manifest.ID, "error", err)
					continue
				}
			}
			out = append(out, manifest)
		}
	}
	return out
}

func readPluginManifest(dir string) *pluginsdk.Manifest {
	for _, name := range []string{pluginsdk.ManifestFilename, pluginsdk.LegacyManifestFilename} {
		manifest, err := pluginsdk.DecodeManifestFile(filepath.Join(dir, name))
		if err == nil {
			return manifest
		}
	}
	return nil
}
