package channels

import (
	"strings"
	"sync"
	"time"
)

// Direction says which way a message crossed the gateway boundary.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// activityWindow is how far back Stats counts traffic as "recent".
const activityWindow = time.Hour

// ActivityEntry records the last time traffic moved on one conversation.
type ActivityEntry struct {
	InboundAt  *time.Time `json:"inbound_at,omitempty"`
	OutboundAt *time.Time `json:"outbound_at,omitempty"`
}

// ActivityTracker keeps last-seen timestamps per channel and peer, feeding
// the diagnostics tool and /status.
type ActivityTracker struct {
	mu      sync.RWMutex
	entries map[string]*ActivityEntry
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{entries: make(map[string]*ActivityEntry)}
}

func activityKey(channel, peerID string) string {
	if peerID == "" {
		peerID = "default"
	}
	return channel + ":" + peerID
}

// Record marks traffic on a conversation now.
func (t *ActivityTracker) Record(channel, peerID string, direction Direction) {
	t.RecordAt(channel, peerID, direction, time.Now())
}

// RecordAt marks traffic on a conversation at an explicit time.
func (t *ActivityTracker) RecordAt(channel, peerID string, direction Direction, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := activityKey(channel, peerID)
	entry := t.entries[k]
	if entry == nil {
		entry = &ActivityEntry{}
		t.entries[k] = entry
	}
	if direction == DirectionInbound {
		entry.InboundAt = &at
	} else {
		entry.OutboundAt = &at
	}
}

// Get returns the entry for one conversation, zero when unseen.
func (t *ActivityTracker) Get(channel, peerID string) ActivityEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry := t.entries[activityKey(channel, peerID)]; entry != nil {
		return *entry
	}
	return ActivityEntry{}
}

// ActivityStats aggregates tracker state for diagnostics.
type ActivityStats struct {
	TotalChannels  int            `json:"total_channels"`
	TotalInbound   int            `json:"total_inbound"`
	TotalOutbound  int            `json:"total_outbound"`
	RecentInbound  int            `json:"recent_inbound"`
	RecentOutbound int            `json:"recent_outbound"`
	ByChannel      map[string]int `json:"by_channel"`
}

// Stats summarizes all tracked conversations.
func (t *ActivityTracker) Stats() ActivityStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := ActivityStats{
		TotalChannels: len(t.entries),
		ByChannel:     make(map[string]int),
	}
	now := time.Now()
	for k, entry := range t.entries {
		if channel, _, ok := strings.Cut(k, ":"); ok {
			stats.ByChannel[channel]++
		}
		if entry.InboundAt != nil {
			stats.TotalInbound++
			if now.Sub(*entry.InboundAt) < activityWindow {
				stats.RecentInbound++
			}
		}
		if entry.OutboundAt != nil {
			stats.TotalOutbound++
			if now.Sub(*entry.OutboundAt) < activityWindow {
				stats.RecentOutbound++
			}
		}
	}
	return stats
}

var globalActivity = NewActivityTracker()

// RecordActivity records traffic on the process-wide tracker.
func RecordActivity(channel, peerID string, direction Direction) {
	globalActivity.Record(channel, peerID, direction)
}

// GetActivityStats summarizes the process-wide tracker.
func GetActivityStats() ActivityStats {
	return globalActivity.Stats()
}
