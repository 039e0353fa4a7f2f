// Package system gives the agent tools for observing its own runtime:
// channel health, provider usage, and activity diagnostics.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stakpak-dev/runtime/internal/agent"
	"github.com/stakpak-dev/runtime/internal/channels"
	"github.com/stakpak-dev/runtime/internal/commands"
	"github.com/stakpak-dev/runtime/internal/usage"
)

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func objectSchema(properties map[string]any) json.RawMessage {
	payload, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
	})
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// HealthProvider runs health checks.
type HealthProvider interface {
	Check(ctx context.Context, opts *commands.HealthCheckOptions) (*commands.HealthSummary, error)
}

// HealthTool reports runtime health to the agent.
type HealthTool struct {
	provider HealthProvider
}

// NewHealthTool creates the system_health tool.
func NewHealthTool(provider HealthProvider) *HealthTool {
	return &HealthTool{provider: provider}
}

func (t *HealthTool) Name() string { return "system_health" }

func (t *HealthTool) Description() string {
	return "Check runtime health: channels, credentials, and sessions."
}

func (t *HealthTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"probe_channels": map[string]any{
			"type":        "boolean",
			"description": "Actively probe channel connections (slower).",
		},
		"timeout_ms": map[string]any{
			"type":        "integer",
			"description": "Health check timeout in milliseconds.",
		},
	})
}

func (t *HealthTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.provider == nil {
		return toolError("health provider unavailable"), nil
	}
	var input struct {
		ProbeChannels bool  `json:"probe_channels"`
		TimeoutMs     int64 `json:"timeout_ms"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	summary, err := t.provider.Check(ctx, &commands.HealthCheckOptions{
		TimeoutMs:     input.TimeoutMs,
		ProbeChannels: &input.ProbeChannels,
	})
	if err != nil {
		return toolError(fmt.Sprintf("health check failed: %v", err)), nil
	}
	return &agent.ToolResult{Content: commands.FormatHealthSummary(summary)}, nil
}

// UsageProvider reads provider usage reports.
type UsageProvider interface {
	Get(ctx context.Context, provider string) (*usage.ProviderUsage, error)
	GetAll(ctx context.Context) []*usage.ProviderUsage
}

// UsageTool reports provider token/cost usage to the agent.
type UsageTool struct {
	provider UsageProvider
}

// NewUsageTool creates the provider_usage tool.
func NewUsageTool(provider UsageProvider) *UsageTool {
	return &UsageTool{provider: provider}
}

func (t *UsageTool) Name() string { return "provider_usage" }

func (t *UsageTool) Description() string {
	return "Report LLM provider token usage and cost for the current billing period."
}

func (t *UsageTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"provider": map[string]any{
			"type":        "string",
			"description": "One provider to report (anthropic, openai). Empty reports all.",
		},
	})
}

func (t *UsageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.provider == nil {
		return toolError("usage provider unavailable"), nil
	}
	var input struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	if name := strings.ToLower(strings.TrimSpace(input.Provider)); name != "" {
		report, err := t.provider.Get(ctx, name)
		if err != nil {
			return toolError(fmt.Sprintf("get usage: %v", err)), nil
		}
		return &agent.ToolResult{Content: usage.FormatProviderUsage(report)}, nil
	}

	reports := t.provider.GetAll(ctx)
	if len(reports) == 0 {
		return &agent.ToolResult{Content: "No provider usage data available."}, nil
	}
	parts := make([]string, len(reports))
	for i, report := range reports {
		parts[i] = usage.FormatProviderUsage(report)
	}
	return &agent.ToolResult{Content: strings.Join(parts, "\n---\n\n")}, nil
}

// MigrationVersion identifies a session-store schema version.
type MigrationVersion int

// DiagnosticProvider supplies runtime diagnostics.
type DiagnosticProvider interface {
	GetActivityStats() channels.ActivityStats
	GetMigrationStatus() (current, latest MigrationVersion, pending int, err error)
}

// DiagnosticTool reports channel activity and store state to the agent.
type DiagnosticTool struct {
	provider DiagnosticProvider
}

// NewDiagnosticTool creates the system_diagnostic tool.
func NewDiagnosticTool(provider DiagnosticProvider) *DiagnosticTool {
	return &DiagnosticTool{provider: provider}
}

func (t *DiagnosticTool) Name() string { return "system_diagnostic" }

func (t *DiagnosticTool) Description() string {
	return "Report channel activity statistics and session-store schema state."
}

func (t *DiagnosticTool) Schema() json.RawMessage {
	return objectSchema(map[string]any{
		"section": map[string]any{
			"type":        "string",
			"description": "Section to report: 'activity', 'migrations', or 'all' (default).",
		},
	})
}

func (t *DiagnosticTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.provider == nil {
		return toolError("diagnostic provider unavailable"), nil
	}
	var input struct {
		Section string `json:"section"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	section := input.Section
	if section == "" {
		section = "all"
	}

	report := make(map[string]any)
	if section == "all" || section == "activity" {
		stats := t.provider.GetActivityStats()
		report["activity"] = map[string]any{
			"total_channels":  stats.TotalChannels,
			"total_inbound":   stats.TotalInbound,
			"total_outbound":  stats.TotalOutbound,
			"recent_inbound":  stats.RecentInbound,
			"recent_outbound": stats.RecentOutbound,
			"by_channel":      stats.ByChannel,
		}
	}
	if section == "all" || section == "migrations" {
		current, latest, pending, err := t.provider.GetMigrationStatus()
		if err != nil {
			report["migrations"] = map[string]any{"error": err.Error()}
		} else {
			report["migrations"] = map[string]any{
				"current_version": current,
				"latest_version":  latest,
				"pending_count":   pending,
			}
		}
	}

	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode report: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
