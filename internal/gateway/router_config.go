package gateway

import (
	"github.com/stakpak-dev/runtime/internal/config"
)

// RouterConfigFromSettings translates the config file's routing settings
// into the resolver's form: the DM scope plus explicit bindings, kept in
// config order. Peer and group bindings share the first precedence tier;
// the first matching one wins.
func RouterConfigFromSettings(session config.SessionConfig, bindings []config.BindingConfig) RouterConfig {
	out := RouterConfig{DMScope: DMScopePerChannelPeer}
	switch session.DMScope {
	case "main":
		out.DMScope = DMScopeMain
	case "per-peer":
		out.DMScope = DMScopePerPeer
	}

	for _, binding := range bindings {
		entry := Binding{
			Match:      BindingMatch{Channel: binding.Channel},
			RoutingKey: binding.RoutingKey,
		}
		switch {
		case binding.Peer != "":
			entry.Match.Peer = &PeerMatch{Kind: PeerMatchDirect, ID: binding.Peer}
		case binding.Group != "":
			entry.Match.Peer = &PeerMatch{Kind: PeerMatchGroup, ID: binding.Group}
		}
		out.Bindings = append(out.Bindings, entry)
	}
	return out
}
