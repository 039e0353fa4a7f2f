package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// Plugin observes the agent event stream. Implementations must be fast
// and must not block; heavy work belongs in their own goroutines.
type Plugin interface {
	OnEvent(ctx context.Context, e models.AgentEvent)
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, e models.AgentEvent)

func (f PluginFunc) OnEvent(ctx context.Context, e models.AgentEvent) { f(ctx, e) }

// PluginRegistry fans events out to registered plugins in registration
// order. A panicking plugin is contained and logged; it never takes down
// the run loop.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{}
}

// Use registers a plugin. Nil plugins are ignored.
func (r *PluginRegistry) Use(p Plugin) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// Emit dispatches one event to every plugin.
func (r *PluginRegistry) Emit(ctx context.Context, e models.AgentEvent) {
	r.mu.RLock()
	plugins := make([]Plugin, len(r.plugins))
	copy(plugins, r.plugins)
	r.mu.RUnlock()

	for _, plugin := range plugins {
		dispatchPlugin(ctx, plugin, e)
	}
}

func dispatchPlugin(ctx context.Context, plugin Plugin, e models.AgentEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("plugin panicked handling event", "event", e.Type, "panic", rec)
		}
	}()
	plugin.OnEvent(ctx, e)
}

// Count returns how many plugins are registered.
func (r *PluginRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
