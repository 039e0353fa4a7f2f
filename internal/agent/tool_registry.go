package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stakpak-dev/runtime/internal/jobs"
	"github.com/stakpak-dev/runtime/internal/tools/policy"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Limits on what a model may hand to a tool. Oversized names or
// parameter payloads come back as error results, not Go errors, so the
// model can recover.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry is the runtime's tool inventory. Registration replaces
// by name; lookup and execution are safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	r.tools[tool.Name()] = tool
	r.mu.Unlock()
}

// Unregister removes the named tool if present.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute validates the call bounds, resolves the tool, and runs it.
// Unknown tools and oversized inputs become error results.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	tool, ok := r.Get(name)
	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}
	return tool.Execute(ctx, params)
}

// AsLLMTools snapshots the inventory for a provider request.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// filterToolsByPolicy drops tools the resolved policy does not allow.
// A nil resolver or policy means no filtering.
func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	kept := tools[:0:0]
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			kept = append(kept, tool)
		}
	}
	return kept
}

func (r *Runtime) emitToolEvent(chunks chan<- *ResponseChunk, event *models.ToolEvent, disable bool) {
	if disable || event == nil {
		return
	}
	chunks <- &ResponseChunk{ToolEvent: event}
}

func (r *Runtime) requiresApproval(opts RuntimeOptions, toolName string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(opts.RequireApproval, toolName, resolver)
}

func (r *Runtime) isAsyncTool(opts RuntimeOptions, toolName string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(opts.AsyncTools, toolName, resolver)
}

// runToolJob executes one async tool call to completion, recording the
// running/succeeded/failed transitions in the job store. Runs detached
// from the request context.
func (r *Runtime) runToolJob(tc models.ToolCall, job *jobs.Job, toolExec *ToolExecutor, jobStore jobs.Store) {
	if job == nil || jobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	if err := jobStore.Update(ctx, job); err != nil {
		r.opts.Logger.Warn("failed to update job status to running",
			"error", err, "job_id", job.ID, "tool_call_id", tc.ID)
	}

	result, execErr := r.executeJobCall(ctx, tc, toolExec)

	switch {
	case execErr != nil:
		job.Status = jobs.StatusFailed
		job.Error = execErr.Error()
	case result.IsError:
		job.Status = jobs.StatusFailed
		job.Error = result.Content
		job.Result = &result
	default:
		job.Status = jobs.StatusSucceeded
		job.Result = &result
	}
	job.FinishedAt = time.Now()
	if err := jobStore.Update(ctx, job); err != nil {
		r.opts.Logger.Warn("failed to update job status on completion",
			"error", err, "job_id", job.ID, "status", job.Status, "tool_call_id", tc.ID)
	}
}

func (r *Runtime) executeJobCall(ctx context.Context, tc models.ToolCall, toolExec *ToolExecutor) (models.ToolResult, error) {
	if toolExec != nil {
		execResults := toolExec.ExecuteConcurrently(ctx, []models.ToolCall{tc})
		if len(execResults) == 0 {
			return models.ToolResult{}, fmt.Errorf("tool execution failed")
		}
		return execResults[0].Result, nil
	}
	res, err := r.tools.Execute(ctx, tc.Name, tc.Input)
	if err != nil {
		return models.ToolResult{}, err
	}
	if res == nil {
		return models.ToolResult{}, nil
	}
	return models.ToolResult{ToolCallID: tc.ID, Content: res.Content, IsError: res.IsError}, nil
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

// matchesToolPatterns reports whether toolName matches any pattern in
// the list, after both sides pass through alias normalization.
func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

// matchToolPattern supports exact names, "group.*" prefixes, and the
// "mcp:*" wildcard covering all proxied MCP tools.
func matchToolPattern(pattern, toolName string) bool {
	switch {
	case pattern == "" || toolName == "":
		return false
	case pattern == "mcp:*":
		return strings.HasPrefix(toolName, "mcp:")
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == toolName
	}
}

func guardToolResult(guard ToolResultGuard, toolName string, result models.ToolResult, resolver *policy.Resolver) models.ToolResult {
	return guard.Apply(toolName, result, resolver)
}

// guardToolResults applies the result guard to a batch, resolving each
// result back to its tool name via the call id (positional fallback for
// results missing one).
func guardToolResults(guard ToolResultGuard, toolCalls []models.ToolCall, results []models.ToolResult, resolver *policy.Resolver) []models.ToolResult {
	if !guard.active() || len(results) == 0 {
		return results
	}

	namesByID := make(map[string]string, len(toolCalls))
	for _, tc := range toolCalls {
		if tc.ID != "" {
			namesByID[tc.ID] = tc.Name
		}
	}

	guarded := make([]models.ToolResult, len(results))
	for i, res := range results {
		toolName := namesByID[res.ToolCallID]
		if toolName == "" && i < len(toolCalls) {
			toolName = toolCalls[i].Name
		}
		guarded[i] = guardToolResult(guard, toolName, res, resolver)
	}
	return guarded
}

// sessionLock serializes runs within one session. Reference counting
// lets the map entry be reclaimed once the last holder releases.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession acquires the per-session mutex and returns its release
// func. Empty session ids get a no-op lock.
func (r *Runtime) lockSession(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}

	r.sessionLocksMu.Lock()
	lock := r.sessionLocks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		r.sessionLocks[sessionID] = lock
	}
	lock.refs++
	r.sessionLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.sessionLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(r.sessionLocks, sessionID)
		}
		r.sessionLocksMu.Unlock()
	}
}
