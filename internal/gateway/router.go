package gateway

import "fmt"

// DMScope controls how a direct-message chat resolves to a routing key
// when no explicit binding matches.
type DMScope int

const (
	// DMScopeMain routes every direct message to the single "main" key.
	DMScopeMain DMScope = iota
	// DMScopePerPeer routes direct messages by peer id, shared across
	// channels.
	DMScopePerPeer
	// DMScopePerChannelPeer routes direct messages by channel and peer id.
	// This is the default.
	DMScopePerChannelPeer
)

// PeerMatchKind distinguishes a peer binding that matches a single direct
// peer from one that matches an entire group (and its threads).
type PeerMatchKind int

const (
	// PeerMatchDirect matches a direct chat with a specific peer id.
	PeerMatchDirect PeerMatchKind = iota
	// PeerMatchGroup matches a group chat, or a thread whose parent group
	// id equals the binding's id.
	PeerMatchGroup
)

// PeerMatch is the peer-scoped half of a Binding's match rule.
type PeerMatch struct {
	Kind PeerMatchKind
	ID   string
}

// BindingMatch selects which inbound messages a Binding applies to.
type BindingMatch struct {
	Channel string
	Peer    *PeerMatch
}

// Binding pins a channel (optionally scoped to a peer or group) to a fixed
// routing key, overriding the scope-derived default.
type Binding struct {
	Match      BindingMatch
	RoutingKey string
}

// RouterConfig configures routing-key resolution for inbound messages.
type RouterConfig struct {
	DMScope  DMScope
	Bindings []Binding
}

// ChatType identifies the shape of the conversation a message arrived in.
type ChatType struct {
	Kind     ChatKind
	GroupID  string
	ThreadID string
}

// ChatKind is the discriminator for ChatType.
type ChatKind int

const (
	ChatDirect ChatKind = iota
	ChatGroup
	ChatThread
)

// ResolveRoutingKey maps an inbound message's channel, peer, and chat type
// to a routing key, giving explicit bindings precedence over the scope
// default: a peer-specific binding wins over a channel-wide binding, which
// wins over the DMScope/group/thread default.
func ResolveRoutingKey(config RouterConfig, channel, peerID string, chat ChatType) string {
	for _, binding := range config.Bindings {
		if bindingMatchesPeer(binding, channel, peerID, chat) {
			return binding.RoutingKey
		}
	}

	for _, binding := range config.Bindings {
		if bindingMatchesChannel(binding, channel) {
			return binding.RoutingKey
		}
	}

	switch chat.Kind {
	case ChatDirect:
		switch config.DMScope {
		case DMScopeMain:
			return "main"
		case DMScopePerPeer:
			return fmt.Sprintf("dm:%s", peerID)
		default:
			return fmt.Sprintf("%s:dm:%s", channel, peerID)
		}
	case ChatGroup:
		return fmt.Sprintf("%s:group:%s", channel, chat.GroupID)
	default: // ChatThread
		return fmt.Sprintf("%s:thread:%s:%s", channel, chat.GroupID, chat.ThreadID)
	}
}

func bindingMatchesPeer(binding Binding, channel, peerID string, chat ChatType) bool {
	if binding.Match.Channel != channel {
		return false
	}
	peer := binding.Match.Peer
	if peer == nil {
		return false
	}

	switch peer.Kind {
	case PeerMatchDirect:
		return chat.Kind == ChatDirect && peer.ID == peerID
	default: // PeerMatchGroup
		switch chat.Kind {
		case ChatGroup:
			return peer.ID == chat.GroupID
		case ChatThread:
			return peer.ID == chat.GroupID
		default:
			return false
		}
	}
}

func bindingMatchesChannel(binding Binding, channel string) bool {
	return binding.Match.Channel == channel && binding.Match.Peer == nil
}
