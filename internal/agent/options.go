package agent

import (
	"log/slog"
	"time"

	"github.com/stakpak-dev/runtime/internal/jobs"
)

// RuntimeOptions configures tool execution and loop behavior. The zero
// value of any field means "inherit": merging an override onto a base
// only moves fields the override actually set.
type RuntimeOptions struct {
	// MaxIterations limits tool-use iterations per request.
	MaxIterations int

	// ToolParallelism caps concurrent tool execution.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts and ToolRetryBackoff drive tool retry.
	ToolMaxAttempts  int
	ToolRetryBackoff time.Duration

	// DisableToolEvents disables ToolEvent emission while processing.
	DisableToolEvents bool

	// MaxToolCalls limits total tool calls per request (0 = unlimited).
	MaxToolCalls int

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// Logger receives runtime diagnostics.
	Logger *slog.Logger

	// ContextStrategy reduces the full turn history to what is sent to
	// the provider on each turn. Defaults to PassthroughStrategy, which
	// preserves the stable, cacheable prefix.
	ContextStrategy ContextStrategy
}

// DefaultRuntimeOptions returns the baseline runtime options.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxIterations:   5,
		ToolParallelism: 4,
		ToolTimeout:     30 * time.Second,
		ToolMaxAttempts: 1,
		Logger:          slog.Default(),
		ContextStrategy: NewPassthroughStrategy(),
	}
}

func takePositive[T int | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

func takeSlice(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

// mergeRuntimeOptions overlays override onto base, field by field. Only
// set fields move; booleans can only be switched on by an override,
// never back off.
func mergeRuntimeOptions(base, override RuntimeOptions) RuntimeOptions {
	m := base
	takePositive(&m.MaxIterations, override.MaxIterations)
	takePositive(&m.ToolParallelism, override.ToolParallelism)
	takePositive(&m.ToolTimeout, override.ToolTimeout)
	takePositive(&m.ToolMaxAttempts, override.ToolMaxAttempts)
	takePositive(&m.ToolRetryBackoff, override.ToolRetryBackoff)
	takePositive(&m.MaxToolCalls, override.MaxToolCalls)
	takeSlice(&m.RequireApproval, override.RequireApproval)
	takeSlice(&m.ElevatedTools, override.ElevatedTools)
	takeSlice(&m.AsyncTools, override.AsyncTools)
	if override.DisableToolEvents {
		m.DisableToolEvents = true
	}
	if override.ApprovalChecker != nil {
		m.ApprovalChecker = override.ApprovalChecker
	}
	if override.JobStore != nil {
		m.JobStore = override.JobStore
	}
	if override.ToolResultGuard.active() {
		m.ToolResultGuard = override.ToolResultGuard
	}
	if override.Logger != nil {
		m.Logger = override.Logger
	}
	if override.ContextStrategy != nil {
		m.ContextStrategy = override.ContextStrategy
	}
	return m
}
