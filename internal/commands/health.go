package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// HealthSummary is the outcome of one health check pass.
type HealthSummary struct {
	Ts         int64                     `json:"ts"`
	DurationMs int64                     `json:"duration_ms"`
	OK         bool                      `json:"ok"`
	Channels   map[string]*ChannelHealth `json:"channels,omitempty"`
}

// ChannelHealth is one channel's probe outcome.
type ChannelHealth struct {
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
}

// ChannelProber checks one channel's connection.
type ChannelProber interface {
	Probe(ctx context.Context) *ChannelHealth
	Label() string
}

// HealthCheckerConfig sets default check behavior.
type HealthCheckerConfig struct {
	TimeoutMs     int64
	ProbeChannels bool
}

// DefaultHealthCheckerConfig probes channels with a 10s budget.
func DefaultHealthCheckerConfig() *HealthCheckerConfig {
	return &HealthCheckerConfig{TimeoutMs: 10000, ProbeChannels: true}
}

// HealthCheckOptions overrides the defaults for one check.
type HealthCheckOptions struct {
	TimeoutMs     int64
	ProbeChannels *bool
}

// HealthChecker runs the registered channel probers and aggregates the
// outcome.
type HealthChecker struct {
	mu      sync.RWMutex
	probers map[string]ChannelProber
	config  *HealthCheckerConfig
}

// NewHealthChecker creates a checker; nil config uses the defaults.
func NewHealthChecker(config *HealthCheckerConfig) *HealthChecker {
	if config == nil {
		config = DefaultHealthCheckerConfig()
	}
	return &HealthChecker{
		probers: make(map[string]ChannelProber),
		config:  config,
	}
}

// RegisterProber adds a channel's prober under its channel name.
func (h *HealthChecker) RegisterProber(channel string, prober ChannelProber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probers[channel] = prober
}

// Check probes every registered channel within the timeout budget.
func (h *HealthChecker) Check(ctx context.Context, opts *HealthCheckOptions) (*HealthSummary, error) {
	started := time.Now()
	if opts == nil {
		opts = &HealthCheckOptions{}
	}

	timeout := time.Duration(h.config.TimeoutMs) * time.Millisecond
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	probe := h.config.ProbeChannels
	if opts.ProbeChannels != nil {
		probe = *opts.ProbeChannels
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary := &HealthSummary{
		Ts:       started.UnixMilli(),
		OK:       true,
		Channels: make(map[string]*ChannelHealth),
	}

	h.mu.RLock()
	probers := make(map[string]ChannelProber, len(h.probers))
	for name, prober := range h.probers {
		probers[name] = prober
	}
	h.mu.RUnlock()

	for name, prober := range probers {
		health := &ChannelHealth{Configured: true}
		if probe {
			probeStart := time.Now()
			health = prober.Probe(checkCtx)
			if health == nil {
				health = &ChannelHealth{Configured: true, Error: "prober returned nothing"}
			}
			health.ElapsedMs = time.Since(probeStart).Milliseconds()
		}
		if health.Error != "" || (probe && !health.Connected) {
			summary.OK = false
		}
		summary.Channels[name] = health
	}

	summary.DurationMs = time.Since(started).Milliseconds()
	return summary, nil
}

// FormatHealthSummary renders a summary for display.
func FormatHealthSummary(summary *HealthSummary) string {
	if summary == nil {
		return "No health data"
	}

	status := "DEGRADED"
	if summary.OK {
		status = "OK"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Health: %s (took %dms)\n", status, summary.DurationMs)

	names := make([]string, 0, len(summary.Channels))
	for name := range summary.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		health := summary.Channels[name]
		state := "configured"
		if health.Connected {
			state = "connected"
		}
		if health.Error != "" {
			state = "error: " + health.Error
		}
		fmt.Fprintf(&b, "  %s: %s\n", name, state)
	}
	return b.String()
}
