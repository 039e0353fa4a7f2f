package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stakpak-dev/runtime/internal/observability"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// ToolExecConfig bounds tool execution: how many run at once, how long
// each may take, and how often a failing call is retried.
type ToolExecConfig struct {
	// Concurrency caps simultaneous tool executions. Default 4.
	Concurrency int

	// PerToolTimeout bounds one execution attempt. Default 30s.
	PerToolTimeout time.Duration

	// MaxAttempts is how many times a failing call is tried. Default 1.
	MaxAttempts int

	// RetryBackoff is the wait between attempts.
	RetryBackoff time.Duration
}

// DefaultToolExecConfig returns the default execution bounds.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:    4,
		PerToolTimeout: 30 * time.Second,
		MaxAttempts:    1,
	}
}

// ToolExecutor runs tool calls against a registry under the configured
// bounds.
type ToolExecutor struct {
	registry *ToolRegistry
	config   ToolExecConfig
}

// NewToolExecutor creates an executor, filling zero config fields with
// defaults.
func NewToolExecutor(registry *ToolRegistry, config ToolExecConfig) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &ToolExecutor{registry: registry, config: config}
}

// ToolExecResult is one tool call's outcome with timing.
type ToolExecResult struct {
	Index     int
	ToolCall  models.ToolCall
	Result    models.ToolResult
	StartTime time.Time
	EndTime   time.Time
	TimedOut  bool
}

// ExecuteConcurrently runs the calls under the concurrency cap and
// returns results in input order.
func (e *ToolExecutor) ExecuteConcurrently(ctx context.Context, toolCalls []models.ToolCall) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, tc := range toolCalls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = ToolExecResult{
					Index:    idx,
					ToolCall: call,
					Result:   canceledResult(call.ID),
				}
				return
			}
			results[idx] = e.runWithRetries(ctx, idx, call)
		}(i, tc)
	}

	wg.Wait()
	return results
}

// ExecuteSequentially runs the calls one at a time in input order.
func (e *ToolExecutor) ExecuteSequentially(ctx context.Context, toolCalls []models.ToolCall) []ToolExecResult {
	results := make([]ToolExecResult, len(toolCalls))
	for i, tc := range toolCalls {
		results[i] = e.runWithRetries(ctx, i, tc)
	}
	return results
}

// runWithRetries drives one call through the attempt loop.
func (e *ToolExecutor) runWithRetries(ctx context.Context, idx int, call models.ToolCall) ToolExecResult {
	start := time.Now()
	var result models.ToolResult
	var timedOut bool

	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
		toolCtx = observability.AddToolCallID(toolCtx, call.ID)
		result, timedOut = e.executeWithTimeout(toolCtx, call)
		cancel()

		if !result.IsError || attempt == e.config.MaxAttempts {
			break
		}
		if e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				result = canceledResult(call.ID)
				attempt = e.config.MaxAttempts
			}
		}
	}

	return ToolExecResult{
		Index:     idx,
		ToolCall:  call,
		Result:    result,
		StartTime: start,
		EndTime:   time.Now(),
		TimedOut:  timedOut,
	}
}

func canceledResult(callID string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Content:    "tool execution canceled",
		IsError:    true,
	}
}

// executeWithTimeout runs one attempt, reporting whether it hit the
// per-tool deadline. The registry call keeps running in its goroutine
// after a timeout; the one-slot buffered channel takes its late result,
// so the send never blocks and the result is dropped unread.
func (e *ToolExecutor) executeWithTimeout(ctx context.Context, call models.ToolCall) (models.ToolResult, bool) {
	type execResult struct {
		result *ToolResult
		err    error
	}
	resultChan := make(chan execResult, 1)

	go func() {
		result, err := e.registry.Execute(ctx, call.Name, call.Input)
		select {
		case resultChan <- execResult{result: result, err: err}:
		default:
			slog.Warn("tool finished after timeout, result discarded",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"run_id", observability.GetRunID(ctx),
				"session_id", observability.GetSessionID(ctx),
			)
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool execution timed out after %v", e.config.PerToolTimeout),
				IsError:    true,
			}, true
		}
		return canceledResult(call.ID), false
	case res := <-resultChan:
		if res.err != nil {
			return models.ToolResult{ToolCallID: call.ID, Content: res.err.Error(), IsError: true}, false
		}
		return models.ToolResult{
			ToolCallID: call.ID,
			Content:    res.result.Content,
			IsError:    res.result.IsError,
		}, false
	}
}

// ExecuteSingle runs one call by name with the same timeout and retry
// bounds, returning the raw tool result.
func (e *ToolExecutor) ExecuteSingle(ctx context.Context, name string, input json.RawMessage) (*ToolResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		toolCtx, cancel := context.WithTimeout(ctx, e.config.PerToolTimeout)
		result, err := e.registry.Execute(toolCtx, name, input)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < e.config.MaxAttempts && e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}
