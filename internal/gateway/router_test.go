package gateway

import "testing"

func TestDefaultDMScopeZeroValueIsMain(t *testing.T) {
	// The zero value of DMScope is DMScopeMain; callers that want the
	// per-channel-peer default must set it explicitly, matching the
	// router's explicit-config style (no implicit struct defaults).
	var scope DMScope
	if scope != DMScopeMain {
		t.Fatalf("expected zero value DMScopeMain, got %v", scope)
	}
}

func TestResolvesDirectMainScope(t *testing.T) {
	config := RouterConfig{DMScope: DMScopeMain}
	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatDirect})
	if key != "main" {
		t.Fatalf("expected main, got %q", key)
	}
}

func TestResolvesDirectPerPeerScope(t *testing.T) {
	config := RouterConfig{DMScope: DMScopePerPeer}
	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatDirect})
	if key != "dm:123" {
		t.Fatalf("expected dm:123, got %q", key)
	}
}

func TestResolvesDirectPerChannelPeerScope(t *testing.T) {
	config := RouterConfig{DMScope: DMScopePerChannelPeer}
	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatDirect})
	if key != "telegram:dm:123" {
		t.Fatalf("expected telegram:dm:123, got %q", key)
	}
}

func TestResolvesGroupKey(t *testing.T) {
	config := RouterConfig{DMScope: DMScopePerChannelPeer}
	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatGroup, GroupID: "-100999"})
	if key != "telegram:group:-100999" {
		t.Fatalf("expected telegram:group:-100999, got %q", key)
	}
}

func TestResolvesThreadKey(t *testing.T) {
	config := RouterConfig{DMScope: DMScopePerChannelPeer}
	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatThread, GroupID: "-100999", ThreadID: "42"})
	if key != "telegram:thread:-100999:42" {
		t.Fatalf("expected telegram:thread:-100999:42, got %q", key)
	}
}

func TestPeerBindingOverridesChannelBindingAndDefault(t *testing.T) {
	config := RouterConfig{
		DMScope: DMScopePerChannelPeer,
		Bindings: []Binding{
			{
				Match:      BindingMatch{Channel: "telegram", Peer: &PeerMatch{Kind: PeerMatchDirect, ID: "123"}},
				RoutingKey: "peer-bound",
			},
			{
				Match:      BindingMatch{Channel: "telegram"},
				RoutingKey: "channel-bound",
			},
		},
	}

	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatDirect})
	if key != "peer-bound" {
		t.Fatalf("expected peer-bound, got %q", key)
	}
}

func TestChannelBindingOverridesDefaultWhenNoPeerMatch(t *testing.T) {
	config := RouterConfig{
		DMScope: DMScopePerChannelPeer,
		Bindings: []Binding{
			{Match: BindingMatch{Channel: "telegram"}, RoutingKey: "channel-bound"},
		},
	}

	key := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatDirect})
	if key != "channel-bound" {
		t.Fatalf("expected channel-bound, got %q", key)
	}
}

func TestGroupPeerBindingMatchesGroupAndThreadParent(t *testing.T) {
	config := RouterConfig{
		DMScope: DMScopePerChannelPeer,
		Bindings: []Binding{
			{
				Match:      BindingMatch{Channel: "telegram", Peer: &PeerMatch{Kind: PeerMatchGroup, ID: "-100999"}},
				RoutingKey: "group-bound",
			},
		},
	}

	groupKey := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatGroup, GroupID: "-100999"})
	threadKey := ResolveRoutingKey(config, "telegram", "123", ChatType{Kind: ChatThread, GroupID: "-100999", ThreadID: "44"})

	if groupKey != "group-bound" {
		t.Fatalf("expected group-bound, got %q", groupKey)
	}
	if threadKey != "group-bound" {
		t.Fatalf("expected group-bound for thread, got %q", threadKey)
	}
}
