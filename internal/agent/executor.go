package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// ExecutorConfig bounds the loop's parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency caps parallel executions. Default 5.
	MaxConcurrency int

	// DefaultTimeout bounds one execution attempt. Default 30s.
	DefaultTimeout time.Duration

	// DefaultRetries is how many times a failed attempt is retried.
	// Default 2.
	DefaultRetries int

	// RetryBackoff is the wait between attempts, doubling each retry up
	// to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultExecutorConfig returns the default execution bounds.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig overrides the executor bounds for one tool.
type ToolConfig struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	// Priority is accepted for configuration compatibility; execution
	// order is the model's proposal order regardless.
	Priority int
}

// Executor runs tool calls from the registry under concurrency, timeout,
// and retry bounds. Panicking tools are contained and reported as error
// results.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig

	mu         sync.RWMutex
	toolConfig map[string]*ToolConfig

	// sem bounds concurrency; nil means unbounded.
	sem chan struct{}

	metrics executorCounters
}

type executorCounters struct {
	mu         sync.Mutex
	executions int64
	retries    int64
	failures   int64
	timeouts   int64
	panics     int64
}

// ExecutorMetricsSnapshot is a point-in-time copy of the executor's
// counters.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates an executor over the registry; nil config uses the
// defaults.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	return &Executor{
		registry:   registry,
		config:     config,
		toolConfig: make(map[string]*ToolConfig),
		sem:        make(chan struct{}, config.MaxConcurrency),
	}
}

// ConfigureTool sets per-tool overrides.
func (e *Executor) ConfigureTool(name string, config *ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[name] = config
}

func (e *Executor) boundsFor(name string) (time.Duration, int, time.Duration) {
	timeout := e.config.DefaultTimeout
	retries := e.config.DefaultRetries
	backoff := e.config.RetryBackoff

	e.mu.RLock()
	override := e.toolConfig[name]
	e.mu.RUnlock()
	if override != nil {
		if override.Timeout > 0 {
			timeout = override.Timeout
		}
		if override.Retries > 0 {
			retries = override.Retries
		}
		if override.RetryBackoff > 0 {
			backoff = override.RetryBackoff
		}
	}
	return timeout, retries, backoff
}

// ExecutionResult is one tool call's outcome.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     *ToolResult
	Error      error
	Duration   time.Duration
	Attempts   int
}

// ExecuteAll runs the calls concurrently under the executor's bounds,
// returning results in input order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call through the attempt loop.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	out := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			out.Error = fmt.Errorf("tool %s: %w", call.Name, ctx.Err())
			out.Duration = time.Since(start)
			return out
		}
	}

	timeout, retries, backoff := e.boundsFor(call.Name)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		out.Attempts = attempt + 1

		result, err := e.attempt(ctx, call, timeout)
		if err == nil {
			out.Result = result
			out.Duration = time.Since(start)
			e.metrics.mu.Lock()
			e.metrics.executions++
			e.metrics.retries += int64(attempt)
			e.metrics.mu.Unlock()
			return out
		}
		lastErr = err

		if ctx.Err() != nil || attempt == retries {
			break
		}
		wait := backoff << attempt
		if e.config.MaxRetryBackoff > 0 && wait > e.config.MaxRetryBackoff {
			wait = e.config.MaxRetryBackoff
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = retries
		}
	}

	out.Error = lastErr
	out.Duration = time.Since(start)
	e.metrics.mu.Lock()
	e.metrics.executions++
	e.metrics.failures++
	e.metrics.mu.Unlock()
	return out
}

// attempt runs one execution attempt with the per-tool timeout, turning
// panics into errors so one broken tool can't take down the run loop.
func (e *Executor) attempt(ctx context.Context, call models.ToolCall, timeout time.Duration) (result *ToolResult, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *ToolResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.metrics.mu.Lock()
				e.metrics.panics++
				e.metrics.mu.Unlock()
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())}
			}
		}()
		res, execErr := e.registry.Execute(attemptCtx, call.Name, call.Input)
		done <- outcome{result: res, err: execErr}
	}()

	select {
	case <-attemptCtx.Done():
		if ctx.Err() == nil {
			e.metrics.mu.Lock()
			e.metrics.timeouts++
			e.metrics.mu.Unlock()
			return nil, fmt.Errorf("tool %s timed out after %v", call.Name, timeout)
		}
		return nil, ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

// Metrics returns a snapshot of the executor's counters.
func (e *Executor) Metrics() *ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return &ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.executions,
		TotalRetries:    e.metrics.retries,
		TotalFailures:   e.metrics.failures,
		TotalTimeouts:   e.metrics.timeouts,
		TotalPanics:     e.metrics.panics,
	}
}
