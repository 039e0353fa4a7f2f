package channels

import (
	"testing"
	"time"
)

func TestActivityTrackerRecordAndGet(t *testing.T) {
	tracker := NewActivityTracker()

	tracker.Record("telegram", "peer-1", DirectionInbound)
	entry := tracker.Get("telegram", "peer-1")
	if entry.InboundAt == nil {
		t.Fatal("inbound timestamp not recorded")
	}
	if entry.OutboundAt != nil {
		t.Error("outbound timestamp should be unset")
	}

	if got := tracker.Get("telegram", "peer-2"); got.InboundAt != nil {
		t.Error("unseen peer should have an empty entry")
	}
}

func TestActivityTrackerStats(t *testing.T) {
	tracker := NewActivityTracker()
	now := time.Now()

	tracker.RecordAt("telegram", "a", DirectionInbound, now)
	tracker.RecordAt("telegram", "b", DirectionOutbound, now.Add(-2*time.Hour))
	tracker.RecordAt("slack", "c", DirectionInbound, now)

	stats := tracker.Stats()
	if stats.TotalChannels != 3 {
		t.Errorf("TotalChannels = %d, want 3", stats.TotalChannels)
	}
	if stats.TotalInbound != 2 || stats.RecentInbound != 2 {
		t.Errorf("inbound = %d/%d, want 2/2", stats.TotalInbound, stats.RecentInbound)
	}
	if stats.TotalOutbound != 1 || stats.RecentOutbound != 0 {
		t.Errorf("outbound = %d/%d, want 1 total, 0 recent", stats.TotalOutbound, stats.RecentOutbound)
	}
	if stats.ByChannel["telegram"] != 2 || stats.ByChannel["slack"] != 1 {
		t.Errorf("ByChannel = %v", stats.ByChannel)
	}
}

func TestCatalogLookups(t *testing.T) {
	if NormalizeChatChannelID(" TG ") != ChannelTelegram {
		t.Error("alias tg should normalize to telegram")
	}
	if !IsValidChannelID(ChannelSlack) {
		t.Error("slack should be valid")
	}
	if IsValidChannelID(NormalizeChatChannelID("pager")) {
		t.Error("unknown channel should be invalid")
	}
	if caps := GetChannelCapabilities(ChannelTelegram); caps == nil || caps.MaxMessageLength != 4096 {
		t.Errorf("telegram caps = %+v", caps)
	}
	if got := FromModelChannelType(ToModelChannelType(ChannelSlack)); got != ChannelSlack {
		t.Errorf("round trip = %q", got)
	}
}
