// Package agent is the run loop at the heart of the runtime: it owns
// the provider abstraction, the tool registry, session history, and the
// iterative completion/tool-execution cycle that turns one inbound
// message into a streamed agent response.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	agentctx "github.com/stakpak-dev/runtime/internal/agent/context"
	ctxwindow "github.com/stakpak-dev/runtime/internal/context"
	"github.com/stakpak-dev/runtime/internal/jobs"
	"github.com/stakpak-dev/runtime/internal/observability"
	"github.com/stakpak-dev/runtime/internal/sessions"
	"github.com/stakpak-dev/runtime/internal/tools/policy"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Runtime orchestrates agent runs: load history, call the provider,
// execute requested tools, persist each turn, repeat until the model
// stops asking for tools. Safe for concurrent use across sessions; a
// per-session lock serializes runs within one session.
type Runtime struct {
	provider LLMProvider
	tools    *ToolRegistry
	sessions sessions.Store

	// toolEvents optionally persists tool calls/results for audit.
	toolEvents ToolEventStore

	// opts configures loop behavior, approvals, and async jobs.
	opts RuntimeOptions

	// defaultModel and defaultSystem fill in when a request carries no
	// override.
	defaultModel  string
	defaultSystem string

	// maxIterations bounds the completion/tool cycle; maxWallTime
	// bounds the whole run (0 = unlimited).
	maxIterations int
	maxWallTime   time.Duration

	// toolExec tunes executor concurrency and per-tool timeouts.
	toolExec ToolExecConfig

	// packOpts overrides the default context packing budget.
	packOpts *agentctx.PackOptions

	// contextPruning + cacheTouch implement cache-TTL-aware tool result
	// pruning: history is only pruned once the provider-side prompt
	// cache has expired anyway.
	contextPruningMu sync.RWMutex
	contextPruning   *agentctx.ContextPruningSettings
	cacheTouch       sync.Map

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sessionLock

	summarizeConfig *agentctx.SummarizationConfig

	plugins *PluginRegistry

	// jobSem bounds concurrent async tool jobs.
	jobSem chan struct{}
}

// NewRuntime creates a runtime with default options and an empty tool
// registry.
func NewRuntime(provider LLMProvider, sessions sessions.Store) *Runtime {
	return NewRuntimeWithOptions(provider, sessions, DefaultRuntimeOptions())
}

const maxConcurrentJobs = 50

// NewRuntimeWithOptions creates a runtime with opts overlaid on the
// defaults.
func NewRuntimeWithOptions(provider LLMProvider, sessions sessions.Store, opts RuntimeOptions) *Runtime {
	opts = mergeRuntimeOptions(DefaultRuntimeOptions(), opts)
	runtime := &Runtime{
		provider:     provider,
		tools:        NewToolRegistry(),
		sessions:     sessions,
		opts:         opts,
		plugins:      NewPluginRegistry(),
		jobSem:       make(chan struct{}, maxConcurrentJobs),
		sessionLocks: make(map[string]*sessionLock),
	}
	runtime.applyOptionDerived()
	return runtime
}

// applyOptionDerived keeps the iteration cap and executor config in
// sync with the options.
func (r *Runtime) applyOptionDerived() {
	if r.opts.MaxIterations > 0 {
		r.maxIterations = r.opts.MaxIterations
	}
	if r.opts.ToolParallelism > 0 || r.opts.ToolTimeout > 0 || r.opts.ToolMaxAttempts > 0 {
		r.toolExec = ToolExecConfig{
			Concurrency:    r.opts.ToolParallelism,
			PerToolTimeout: r.opts.ToolTimeout,
			MaxAttempts:    r.opts.ToolMaxAttempts,
		}
	}
}

// SetOptions overlays opts onto the current options.
func (r *Runtime) SetOptions(opts RuntimeOptions) {
	r.opts = mergeRuntimeOptions(r.opts, opts)
	r.applyOptionDerived()
}

// SetDefaultModel sets the fallback model.
func (r *Runtime) SetDefaultModel(model string) {
	r.defaultModel = model
}

// SetSystemPrompt sets the fallback system prompt.
func (r *Runtime) SetSystemPrompt(system string) {
	r.defaultSystem = system
}

// SetToolEventStore enables tool call/result persistence.
func (r *Runtime) SetToolEventStore(store ToolEventStore) {
	r.toolEvents = store
}

// SetMaxIterations bounds the completion/tool cycle.
func (r *Runtime) SetMaxIterations(max int) {
	r.maxIterations = max
	if max > 0 {
		r.opts.MaxIterations = max
	}
}

// SetMaxWallTime bounds the total run duration; 0 means no limit.
func (r *Runtime) SetMaxWallTime(d time.Duration) {
	r.maxWallTime = d
}

// SetToolExecConfig tunes tool execution and mirrors the values back
// into the options so per-run overrides merge correctly.
func (r *Runtime) SetToolExecConfig(config ToolExecConfig) {
	r.toolExec = config
	if config.Concurrency > 0 {
		r.opts.ToolParallelism = config.Concurrency
	}
	if config.PerToolTimeout > 0 {
		r.opts.ToolTimeout = config.PerToolTimeout
	}
	if config.MaxAttempts > 0 {
		r.opts.ToolMaxAttempts = config.MaxAttempts
	}
	if config.RetryBackoff > 0 {
		r.opts.ToolRetryBackoff = config.RetryBackoff
	}
}

// SetPackOptions overrides the context packing budget.
func (r *Runtime) SetPackOptions(opts *agentctx.PackOptions) {
	r.packOpts = opts
}

// SetContextStrategy configures the history-reduction strategy applied
// to packed messages before each provider call (passthrough/simple/
// scratchpad/task-board). A nil strategy restores the passthrough
// default.
func (r *Runtime) SetContextStrategy(strategy ContextStrategy) {
	if strategy == nil {
		strategy = NewPassthroughStrategy()
	}
	r.opts.ContextStrategy = strategy
}

// SetContextPruning configures in-memory tool result pruning. Nil
// disables it and forgets the cache-touch state.
func (r *Runtime) SetContextPruning(settings *agentctx.ContextPruningSettings) {
	r.contextPruningMu.Lock()
	defer r.contextPruningMu.Unlock()
	if settings == nil {
		r.contextPruning = nil
		r.cacheTouch = sync.Map{}
		return
	}
	clone := *settings
	clone.Tools.Allow = append([]string(nil), settings.Tools.Allow...)
	clone.Tools.Deny = append([]string(nil), settings.Tools.Deny...)
	r.contextPruning = &clone
}

// SetSummarizationConfig enables rolling conversation summaries.
func (r *Runtime) SetSummarizationConfig(config *agentctx.SummarizationConfig) {
	r.summarizeConfig = config
}

func (r *Runtime) contextPruningSettings() *agentctx.ContextPruningSettings {
	r.contextPruningMu.RLock()
	defer r.contextPruningMu.RUnlock()
	return r.contextPruning
}

func (r *Runtime) cacheTouchAt(sessionID string) (time.Time, bool) {
	if sessionID == "" {
		return time.Time{}, false
	}
	if value, ok := r.cacheTouch.Load(sessionID); ok {
		if ts, ok := value.(time.Time); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func (r *Runtime) setCacheTouchAt(sessionID string, ts time.Time) {
	if sessionID == "" {
		return
	}
	r.cacheTouch.Store(sessionID, ts)
}

// cacheTouchFromSession recovers the persisted cache-touch timestamp,
// which survives restarts in session metadata.
func cacheTouchFromSession(session *models.Session) (time.Time, bool) {
	if session == nil || session.Metadata == nil {
		return time.Time{}, false
	}
	raw, ok := session.Metadata[contextPruningCacheTouchKey]
	if !ok || raw == nil {
		return time.Time{}, false
	}
	switch value := raw.(type) {
	case time.Time:
		if value.IsZero() {
			return time.Time{}, false
		}
		return value, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, value)
		}
		if err != nil || parsed.IsZero() {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

func (r *Runtime) persistCacheTouch(ctx context.Context, session *models.Session, ts time.Time) {
	if session == nil || r.sessions == nil {
		return
	}
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	session.Metadata[contextPruningCacheTouchKey] = ts.Format(time.RFC3339Nano)
	if err := r.sessions.Update(ctx, session); err != nil && r.opts.Logger != nil {
		r.opts.Logger.Debug("failed to persist context pruning cache timestamp", "error", err, "session_id", session.ID)
	}
}

// Use registers a plugin; plugins see every agent event in
// registration order.
func (r *Runtime) Use(p Plugin) {
	r.plugins.Use(p)
}

// buildCompletionMessages maps stored history onto provider-neutral
// completion messages.
func (r *Runtime) buildCompletionMessages(history []*models.Message) ([]CompletionMessage, error) {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if m.Role == "" {
			return nil, fmt.Errorf("history message missing role (id=%s)", m.ID)
		}
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			Attachments: m.Attachments,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return out, nil
}

// RegisterTool makes a tool available to the model. Same-name
// registration replaces.
func (r *Runtime) RegisterTool(tool Tool) {
	r.tools.Register(tool)
}

// UnregisterTool removes a tool by name.
func (r *Runtime) UnregisterTool(name string) {
	r.tools.Unregister(name)
}

// Process runs the loop for one inbound message, streaming
// ResponseChunks until the run completes. Errors after the stream
// opens arrive as chunks, not return values.
func (r *Runtime) Process(ctx context.Context, session *models.Session, msg *models.Message) (<-chan *ResponseChunk, error) {
	chunks := make(chan *ResponseChunk, processBufferSize)

	go func() {
		defer close(chunks)

		// Events fan out to the chunk adapter (for this caller) and the
		// registered plugins.
		sink := NewMultiSink(NewChunkAdapterSink(chunks), NewPluginSink(r.plugins))
		runID := session.ID + "-" + msg.ID
		emitter := NewEventEmitter(runID, sink)

		runCtx := observability.AddRunID(ctx, runID)
		runCtx = observability.AddSessionID(runCtx, session.ID)
		runCtx = observability.AddMessageID(runCtx, msg.ID)
		if session.AgentID != "" {
			runCtx = observability.AddAgentID(runCtx, session.AgentID)
		}
		// Tool events and approval results go straight to the chunk
		// channel; the send-only cast matches the assertion in run().
		runCtx = context.WithValue(runCtx, chunksChanKey{}, (chan<- *ResponseChunk)(chunks))

		if err := r.run(runCtx, session, msg, emitter); err != nil {
			r.opts.Logger.Debug("agentic loop completed with error", "error", err, "session_id", session.ID, "run_id", runID)
		}
	}()

	return chunks, nil
}

// ProcessStream runs the loop for one inbound message, streaming the
// raw AgentEvent feed through a backpressure sink, with run stats on
// the terminal event.
func (r *Runtime) ProcessStream(ctx context.Context, session *models.Session, msg *models.Message) (<-chan models.AgentEvent, error) {
	bpSink, eventCh := NewBackpressureSink(DefaultBackpressureConfig())

	go func() {
		defer bpSink.Close()

		runID := session.ID + "-" + msg.ID
		statsCollector := NewStatsCollector(runID)
		sink := NewMultiSink(
			NewMultiSink(bpSink, NewPluginSink(r.plugins)),
			NewCallbackSink(statsCollector.OnEvent),
		)
		emitter := NewEventEmitter(runID, sink)

		runCtx := observability.AddRunID(ctx, runID)
		runCtx = observability.AddSessionID(runCtx, session.ID)
		runCtx = observability.AddMessageID(runCtx, msg.ID)
		if session.AgentID != "" {
			runCtx = observability.AddAgentID(runCtx, session.AgentID)
		}

		emitter.RunStarted(runCtx)
		if err := r.run(runCtx, session, msg, emitter); err != nil {
			r.opts.Logger.Debug("agentic loop completed with error", "error", err, "session_id", session.ID, "run_id", runID)
		}

		stats := statsCollector.Stats()
		dropped := bpSink.DroppedCount()
		if dropped > uint64(math.MaxInt) {
			stats.DroppedEvents = math.MaxInt
		} else {
			stats.DroppedEvents = int(dropped)
		}
		// Terminal events use a background context: the request context
		// may already be cancelled.
		emitter.RunFinished(context.Background(), stats)
	}()

	return eventCh, nil
}

// runState carries the per-run values threaded through the loop
// helpers.
type runState struct {
	session  *models.Session
	msg      *models.Message
	opts     RuntimeOptions
	elevated ElevatedMode
	resolver *policy.Resolver
	policy   *policy.Policy
	toolExec *ToolExecutor
	runID    string
}

func (r *Runtime) appendSessionMessage(ctx context.Context, sessionID string, message *models.Message) error {
	if message == nil {
		return nil
	}
	return r.sessions.AppendMessage(ctx, sessionID, message)
}

// run executes the agentic loop, emitting AgentEvents along the way.
// Both Process and ProcessStream delegate here.
func (r *Runtime) run(ctx context.Context, session *models.Session, msg *models.Message, emitter *EventEmitter) error {
	var cancel context.CancelFunc
	wallTimeLimit := r.maxWallTime
	if wallTimeLimit > 0 {
		ctx, cancel = context.WithTimeout(ctx, wallTimeLimit)
		defer cancel()
	}

	ctx = WithSession(ctx, session)
	unlock := r.lockSession(session.ID)
	defer unlock()

	state := &runState{
		session:  session,
		msg:      msg,
		opts:     r.opts,
		elevated: ElevatedFromContext(ctx),
		runID:    observability.GetRunID(ctx),
	}
	if override, ok := runtimeOptionsFromContext(ctx); ok {
		state.opts = mergeRuntimeOptions(state.opts, override)
	}

	history, err := r.sessions.GetHistory(ctx, session.ID, 50)
	if err != nil {
		emitter.RunError(ctx, err, false)
		return err
	}
	history = repairTranscript(history)

	if err := r.persistInbound(ctx, session, msg); err != nil {
		emitter.RunError(ctx, err, false)
		return err
	}

	summaryMsg, err := r.maybeSummarize(ctx, session, history)
	if err != nil {
		emitter.RunError(ctx, err, false)
		return err
	}

	model := r.defaultModel
	if override, ok := modelFromContext(ctx); ok {
		model = override
	}

	req, err := r.buildRequest(ctx, state, history, summaryMsg, model, emitter)
	if err != nil {
		emitter.RunError(ctx, err, false)
		return err
	}

	if res, pol, ok := toolPolicyFromContext(ctx); ok {
		state.resolver, state.policy = res, pol
	}

	toolExecCfg := ToolExecConfig{
		Concurrency:    state.opts.ToolParallelism,
		PerToolTimeout: state.opts.ToolTimeout,
		MaxAttempts:    state.opts.ToolMaxAttempts,
		RetryBackoff:   state.opts.ToolRetryBackoff,
	}
	if toolExecCfg.Concurrency <= 0 || toolExecCfg.PerToolTimeout <= 0 {
		toolExecCfg = DefaultToolExecConfig()
	}
	state.toolExec = NewToolExecutor(r.tools, toolExecCfg)

	maxIters := state.opts.MaxIterations
	if maxIters <= 0 {
		maxIters = 5
	}

	for iter := 0; iter < maxIters; iter++ {
		select {
		case <-ctx.Done():
			return r.handleContextDone(ctx, emitter, wallTimeLimit)
		default:
		}

		emitter.SetIter(iter)
		emitter.IterStarted(ctx)

		done, err := r.runIteration(ctx, state, req, model, emitter)
		if err != nil {
			return err
		}
		if done {
			emitter.IterFinished(ctx)
			return nil
		}
		emitter.IterFinished(ctx)
	}

	maxIterErr := fmt.Errorf("max iterations (%d) reached", maxIters)
	emitter.RunError(ctx, maxIterErr, false)
	return maxIterErr
}

// persistInbound fills the inbound message's identity fields and writes
// it to the session before anything else happens; the stored history is
// the source of truth for resume.
func (r *Runtime) persistInbound(ctx context.Context, session *models.Session, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = session.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if err := r.appendSessionMessage(ctx, session.ID, msg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	return nil
}

// maybeSummarize finds the latest rolling summary and, when
// summarization is configured and due, produces and persists a new one.
func (r *Runtime) maybeSummarize(ctx context.Context, session *models.Session, history []*models.Message) (*models.Message, error) {
	summaryMsg := agentctx.FindLatestSummary(history)
	if r.summarizeConfig == nil {
		return summaryMsg, nil
	}

	summarizer := agentctx.NewSummarizer(&llmSummaryProvider{runtime: r}, *r.summarizeConfig)
	if !summarizer.ShouldSummarize(history, summaryMsg) {
		return summaryMsg, nil
	}

	newSummary, err := summarizer.Summarize(ctx, session.ID, history, summaryMsg)
	if err != nil {
		return nil, err
	}
	if newSummary == nil {
		return summaryMsg, nil
	}

	if newSummary.ID == "" {
		newSummary.ID = uuid.NewString()
	}
	if newSummary.SessionID == "" {
		newSummary.SessionID = session.ID
	}
	if newSummary.CreatedAt.IsZero() {
		newSummary.CreatedAt = time.Now()
	}
	if err := r.appendSessionMessage(ctx, session.ID, newSummary); err != nil {
		return nil, fmt.Errorf("failed to persist summary message: %w", err)
	}
	return newSummary, nil
}

// buildRequest packs history under budget, composes the system prompt,
// applies the context strategy and any context transform, and resolves
// the policy-filtered tool inventory.
func (r *Runtime) buildRequest(ctx context.Context, state *runState, history []*models.Message, summaryMsg *models.Message, model string, emitter *EventEmitter) (*CompletionRequest, error) {
	packOpts := agentctx.DefaultPackOptions()
	if r.packOpts != nil {
		packOpts = *r.packOpts
	}

	history = r.applyCacheTTLPruning(ctx, state.session, history, model, packOpts)

	packer := agentctx.NewPacker(packOpts)
	packResult := packer.PackWithDiagnostics(history, state.msg, summaryMsg)
	emitter.ContextPacked(ctx, packResult.Diagnostics)

	// System-role messages fold into the system prompt rather than the
	// turn list.
	var systemParts []string
	if system, ok := systemPromptFromContext(ctx); ok {
		systemParts = append(systemParts, system)
	} else if r.defaultSystem != "" {
		systemParts = append(systemParts, r.defaultSystem)
	}

	nonSystem := make([]*models.Message, 0, len(packResult.Messages))
	for _, m := range packResult.Messages {
		if m == nil {
			continue
		}
		if m.Role == models.RoleSystem {
			if strings.TrimSpace(m.Content) != "" {
				systemParts = append(systemParts, m.Content)
			}
			continue
		}
		nonSystem = append(nonSystem, m)
	}

	messages, err := r.buildCompletionMessages(nonSystem)
	if err != nil {
		return nil, err
	}

	strategy := state.opts.ContextStrategy
	if strategy == nil {
		strategy = NewPassthroughStrategy()
	}
	messages = strategy.Reduce(messages)

	if transform := ContextTransformFromContext(ctx); transform != nil {
		messages, err = transform(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("context transform failed: %w", err)
		}
	}

	tools := r.tools.AsLLMTools()
	if res, pol, ok := toolPolicyFromContext(ctx); ok {
		tools = filterToolsByPolicy(res, pol, tools)
	}

	req := &CompletionRequest{
		Messages:  messages,
		Tools:     tools,
		MaxTokens: 4096,
	}
	if model != "" {
		req.Model = model
	}
	if len(systemParts) > 0 {
		req.System = strings.Join(systemParts, "\n\n")
	}
	if thinkingLevel := ThinkingLevelFromContext(ctx); thinkingLevel != ThinkingOff {
		if budget := GetThinkingBudget(thinkingLevel); budget > 0 {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = budget
		}
	}
	return req, nil
}

// applyCacheTTLPruning prunes stale tool results, but only once the
// provider's prompt cache TTL has lapsed: pruning earlier would break
// the cacheable prefix without saving anything.
func (r *Runtime) applyCacheTTLPruning(ctx context.Context, session *models.Session, history []*models.Message, model string, packOpts agentctx.PackOptions) []*models.Message {
	settings := r.contextPruningSettings()
	if settings == nil || settings.Mode != agentctx.ContextPruningCacheTTL {
		return history
	}
	if !isCacheTTLEligibleProvider(r.provider.Name(), model) {
		return history
	}

	now := time.Now()
	lastTouch, ok := r.cacheTouchAt(session.ID)
	if !ok {
		if stored, storedOK := cacheTouchFromSession(session); storedOK {
			lastTouch = stored
			ok = true
			r.setCacheTouchAt(session.ID, stored)
		}
	}
	if ok && settings.TTL > 0 && now.Sub(lastTouch) >= settings.TTL {
		if charWindow := contextPruningCharWindow(model, packOpts); charWindow > 0 {
			history = agentctx.PruneContextMessages(history, *settings, charWindow)
		}
	}
	r.setCacheTouchAt(session.ID, now)
	r.persistCacheTouch(ctx, session, now)
	return history
}

// runIteration performs one provider call plus tool execution. Returns
// done=true when the model produced a final answer with no tool calls.
func (r *Runtime) runIteration(ctx context.Context, state *runState, req *CompletionRequest, model string, emitter *EventEmitter) (bool, error) {
	// Resolve the API key per call: short-lived OAuth tokens may have
	// rotated since the last iteration.
	completionCtx := ctx
	if resolver := APIKeyResolverFromContext(ctx); resolver != nil {
		resolvedKey, keyErr := resolver(ctx, r.provider.Name())
		if keyErr != nil {
			emitter.RunError(ctx, fmt.Errorf("API key resolution failed: %w", keyErr), true)
			return false, keyErr
		}
		if resolvedKey != "" {
			completionCtx = WithResolvedAPIKey(ctx, resolvedKey)
		}
	}

	completion, err := r.provider.Complete(completionCtx, req)
	if err != nil {
		emitter.RunError(ctx, err, true)
		return false, err
	}

	assistantMsgID := uuid.NewString()
	text, toolCalls, inputTokens, outputTokens, err := r.drainCompletion(ctx, completion, assistantMsgID, state, emitter)
	if err != nil {
		return false, err
	}
	if ctx.Err() != nil {
		return false, r.handleContextDone(ctx, emitter, r.maxWallTime)
	}

	emitter.ModelCompleted(ctx, r.provider.Name(), model, inputTokens, outputTokens)

	session := state.session
	assistantMsg := &models.Message{
		ID:        assistantMsgID,
		SessionID: session.ID,
		Channel:   session.Channel,
		ChannelID: session.ChannelID,
		Role:      models.RoleAssistant,
		Direction: models.DirectionOutbound,
		Content:   text,
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	if err := r.appendSessionMessage(ctx, session.ID, assistantMsg); err != nil {
		wrapped := fmt.Errorf("failed to persist assistant message: %w", err)
		emitter.RunError(ctx, wrapped, false)
		return false, wrapped
	}
	req.Messages = append(req.Messages, CompletionMessage{
		Role:      "assistant",
		Content:   assistantMsg.Content,
		ToolCalls: assistantMsg.ToolCalls,
	})

	if len(toolCalls) == 0 {
		return true, nil
	}

	results := r.dispatchToolCalls(ctx, state, toolCalls, assistantMsgID, emitter)

	persistResults := guardToolResults(state.opts.ToolResultGuard, toolCalls, results, state.resolver)
	// The stored copy drops inline attachments; they are delivered to
	// channels, not persisted.
	resultsForStorage := make([]models.ToolResult, len(persistResults))
	for i := range persistResults {
		resultsForStorage[i] = persistResults[i]
		resultsForStorage[i].Attachments = nil
	}
	toolMsg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Channel:     session.Channel,
		ChannelID:   session.ChannelID,
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: resultsForStorage,
		CreatedAt:   time.Now(),
	}
	if err := r.appendSessionMessage(ctx, session.ID, toolMsg); err != nil {
		wrapped := fmt.Errorf("failed to persist tool message: %w", err)
		emitter.RunError(ctx, wrapped, false)
		return false, wrapped
	}
	req.Messages = append(req.Messages, CompletionMessage{
		Role:        "tool",
		ToolResults: results,
	})
	return false, nil
}

// drainCompletion consumes one provider stream, accumulating text and
// completed tool calls under the runaway limits.
func (r *Runtime) drainCompletion(ctx context.Context, completion <-chan *CompletionChunk, assistantMsgID string, state *runState, emitter *EventEmitter) (string, []models.ToolCall, int, int, error) {
	var textBuilder strings.Builder
	var toolCalls []models.ToolCall
	var inputTokens, outputTokens int

	for chunk := range completion {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			emitter.RunError(ctx, chunk.Error, true)
			return "", nil, 0, 0, chunk.Error
		}
		if chunk.Text != "" {
			if textBuilder.Len()+len(chunk.Text) > MaxResponseTextSize {
				err := fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
				emitter.RunError(ctx, err, true)
				return "", nil, 0, 0, err
			}
			textBuilder.WriteString(chunk.Text)
			emitter.ModelDelta(ctx, chunk.Text)
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				err := fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
				emitter.RunError(ctx, err, true)
				return "", nil, 0, 0, err
			}
			tc := *chunk.ToolCall
			toolCalls = append(toolCalls, tc)

			if r.toolEvents != nil {
				if err := r.toolEvents.AddToolCall(ctx, state.session.ID, assistantMsgID, &tc); err != nil {
					r.opts.Logger.Debug("failed to persist tool call event",
						"error", err, "tool", tc.Name, "tool_call_id", tc.ID,
						"session_id", state.session.ID, "run_id", state.runID)
				}
			}
		}
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
			break
		}
	}
	return textBuilder.String(), toolCalls, inputTokens, outputTokens, nil
}

// dispatchToolCalls gates each call through policy, approval, and the
// async-job path, then executes whatever remains concurrently. Results
// come back in the original call order; denied and pending calls hold
// error results the model can react to.
func (r *Runtime) dispatchToolCalls(ctx context.Context, state *runState, toolCalls []models.ToolCall, assistantMsgID string, emitter *EventEmitter) []models.ToolResult {
	results := make([]models.ToolResult, len(toolCalls))
	allowedCalls := make([]models.ToolCall, 0, len(toolCalls))
	allowedToOriginal := make([]int, 0, len(toolCalls))

	for i, tc := range toolCalls {
		if handled, res := r.gateToolCall(ctx, state, tc, assistantMsgID, emitter); handled {
			results[i] = res
			continue
		}
		allowedToOriginal = append(allowedToOriginal, i)
		allowedCalls = append(allowedCalls, tc)
	}

	execResults := r.executeToolsWithEvents(ctx, state.toolExec, allowedCalls, emitter)
	for _, er := range execResults {
		if er.Index < 0 || er.Index >= len(allowedToOriginal) {
			continue
		}
		origIdx := allowedToOriginal[er.Index]
		results[origIdx] = er.Result
		r.persistToolResult(ctx, state, toolCalls[origIdx], er.Result, assistantMsgID)
	}

	for i := range results {
		if results[i].ToolCallID == "" && i < len(toolCalls) {
			results[i].ToolCallID = toolCalls[i].ID
		}
	}
	return results
}

// gateToolCall applies the pre-execution gates to one call. When it
// returns handled=true the result is final and the executor never sees
// the call.
func (r *Runtime) gateToolCall(ctx context.Context, state *runState, tc models.ToolCall, assistantMsgID string, emitter *EventEmitter) (bool, models.ToolResult) {
	opts := state.opts

	// Policy denial comes first and is unconditional.
	if state.resolver != nil && state.policy != nil && !state.resolver.IsAllowed(state.policy, tc.Name) {
		res := models.ToolResult{
			ToolCallID: tc.ID,
			Content:    "tool not allowed: " + tc.Name,
			IsError:    true,
		}
		emitter.ToolFinished(ctx, tc.ID, tc.Name, false, []byte("tool not allowed by policy"), 0)
		r.persistToolResult(ctx, state, tc, res, assistantMsgID)
		return true, res
	}

	if checker := opts.ApprovalChecker; checker != nil {
		decision, reason := checker.Check(ctx, state.session.AgentID, tc)
		if decision == ApprovalPending && state.elevated == ElevatedFull && matchesToolPatterns(opts.ElevatedTools, tc.Name, state.resolver) {
			decision = ApprovalAllowed
			reason = "elevated full"
		}

		switch decision {
		case ApprovalDenied:
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "tool denied by approval policy: " + reason,
				IsError:    true,
			}
			emitter.ToolFinished(ctx, tc.ID, tc.Name, false, []byte(res.Content), 0)
			r.persistToolResult(ctx, state, tc, res, assistantMsgID)
			return true, res

		case ApprovalPending:
			var approvalID string
			if req, err := checker.CreateApprovalRequest(ctx, state.session.AgentID, state.session.ID, tc, reason); err == nil && req != nil {
				approvalID = req.ID
			}
			content := "approval required for tool: " + tc.Name
			if approvalID != "" {
				content = fmt.Sprintf("%s (id: %s)", content, approvalID)
			}
			res := models.ToolResult{ToolCallID: tc.ID, Content: content, IsError: true}

			if chunks, ok := ctx.Value(chunksChanKey{}).(chan<- *ResponseChunk); ok {
				r.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID:   tc.ID,
					ToolName:     tc.Name,
					Stage:        models.ToolEventApprovalRequired,
					Input:        tc.Input,
					PolicyReason: reason,
					FinishedAt:   time.Now(),
				}, opts.DisableToolEvents)
				chunks <- &ResponseChunk{ToolResult: &res}
			}
			r.persistToolResult(ctx, state, tc, res, assistantMsgID)
			return true, res
		}
	} else if r.requiresApproval(opts, tc.Name, state.resolver) {
		if state.elevated == ElevatedFull && matchesToolPatterns(opts.ElevatedTools, tc.Name, state.resolver) {
			// Elevated full bypasses the pattern-based approval list.
		} else {
			res := models.ToolResult{
				ToolCallID: tc.ID,
				Content:    "approval required for tool: " + tc.Name,
				IsError:    true,
			}
			if chunks, ok := ctx.Value(chunksChanKey{}).(chan<- *ResponseChunk); ok {
				r.emitToolEvent(chunks, &models.ToolEvent{
					ToolCallID: tc.ID,
					ToolName:   tc.Name,
					Stage:      models.ToolEventApprovalRequired,
					Input:      tc.Input,
					FinishedAt: time.Now(),
				}, opts.DisableToolEvents)
				chunks <- &ResponseChunk{ToolResult: &res}
			}
			r.persistToolResult(ctx, state, tc, res, assistantMsgID)
			return true, res
		}
	}

	if r.isAsyncTool(opts, tc.Name, state.resolver) && opts.JobStore != nil {
		return true, r.queueAsyncTool(ctx, state, tc, assistantMsgID)
	}

	return false, models.ToolResult{}
}

// queueAsyncTool answers the call immediately with a job handle and
// runs the tool in the background, degrading to synchronous execution
// when the job semaphore is saturated.
func (r *Runtime) queueAsyncTool(ctx context.Context, state *runState, tc models.ToolCall, assistantMsgID string) models.ToolResult {
	opts := state.opts
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if err := opts.JobStore.Create(context.Background(), job); err != nil {
		r.opts.Logger.Warn("failed to create async job",
			"error", err, "job_id", job.ID, "tool", tc.Name,
			"tool_call_id", tc.ID, "run_id", state.runID)
	}

	res := models.ToolResult{ToolCallID: tc.ID}
	payload, err := json.Marshal(map[string]any{"job_id": job.ID, "status": job.Status})
	if err != nil {
		res.Content = fmt.Sprintf("failed to encode job payload: %v", err)
		res.IsError = true
	} else {
		res.Content = string(payload)
	}

	if chunks, ok := ctx.Value(chunksChanKey{}).(chan<- *ResponseChunk); ok {
		chunks <- &ResponseChunk{ToolResult: &res}
	}
	r.persistToolResult(ctx, state, tc, res, assistantMsgID)

	select {
	case r.jobSem <- struct{}{}:
		go func() {
			defer func() { <-r.jobSem }()
			r.runToolJob(tc, job, state.toolExec, opts.JobStore)
		}()
	default:
		r.opts.Logger.Warn("async job queue full, running synchronously",
			"tool", tc.Name, "job_id", job.ID, "tool_call_id", tc.ID, "run_id", state.runID)
		r.runToolJob(tc, job, state.toolExec, opts.JobStore)
	}
	return res
}

func (r *Runtime) persistToolResult(ctx context.Context, state *runState, tc models.ToolCall, res models.ToolResult, assistantMsgID string) {
	if r.toolEvents == nil {
		return
	}
	guarded := guardToolResult(state.opts.ToolResultGuard, tc.Name, res, state.resolver)
	if err := r.toolEvents.AddToolResult(ctx, state.session.ID, assistantMsgID, &tc, &guarded); err != nil {
		r.opts.Logger.Debug("failed to persist tool result event",
			"error", err, "tool", tc.Name, "tool_call_id", tc.ID,
			"session_id", state.session.ID, "run_id", state.runID)
	}
}

// handleContextDone distinguishes wall-time expiry from explicit
// cancellation, emitting the matching terminal event on a background
// context (the request context is already dead).
func (r *Runtime) handleContextDone(ctx context.Context, emitter *EventEmitter, wallTimeLimit time.Duration) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	bgCtx := context.Background()
	if errors.Is(err, context.DeadlineExceeded) && wallTimeLimit > 0 {
		emitter.RunTimedOut(bgCtx, wallTimeLimit)
		return ErrContextCancelled
	}
	emitter.RunCancelled(bgCtx)
	return ErrContextCancelled
}

// isCacheTTLEligibleProvider limits cache-TTL pruning to providers with
// prompt caching the strategy understands.
func isCacheTTLEligibleProvider(providerName, model string) bool {
	name := strings.ToLower(strings.TrimSpace(providerName))
	model = strings.ToLower(strings.TrimSpace(model))
	if name == "anthropic" {
		return true
	}
	return name == "openrouter" && strings.HasPrefix(model, "anthropic/")
}

// contextPruningCharWindow derives the pruning window from the model's
// context size, falling back to the pack budget.
func contextPruningCharWindow(model string, packOpts agentctx.PackOptions) int {
	if strings.TrimSpace(model) != "" {
		if tokens, ok := ctxwindow.GetModelContextWindow(model); ok && tokens > 0 {
			if chars := int(float64(tokens) / ctxwindow.TokensPerChar); chars > 0 {
				return chars
			}
		}
	}
	if packOpts.MaxChars > 0 {
		return packOpts.MaxChars
	}
	return 0
}

// executeToolsWithEvents runs calls through the executor, bracketing
// each with started/finished (or timed-out) events.
func (r *Runtime) executeToolsWithEvents(ctx context.Context, toolExec *ToolExecutor, calls []models.ToolCall, emitter *EventEmitter) []ToolExecResult {
	if len(calls) == 0 {
		return nil
	}

	startTimes := make(map[string]time.Time, len(calls))
	for _, tc := range calls {
		emitter.ToolStarted(ctx, tc.ID, tc.Name, tc.Input)
		startTimes[tc.ID] = time.Now()
	}

	results := toolExec.ExecuteConcurrently(ctx, calls)

	for _, er := range results {
		if er.Index < 0 || er.Index >= len(calls) {
			continue
		}
		tc := calls[er.Index]
		elapsed := time.Since(startTimes[tc.ID])
		if er.TimedOut {
			emitter.ToolTimedOut(ctx, tc.ID, tc.Name, elapsed)
		} else {
			emitter.ToolFinished(ctx, tc.ID, tc.Name, !er.Result.IsError, []byte(er.Result.Content), elapsed)
		}
	}
	return results
}

// llmSummaryProvider feeds the summarizer through the runtime's own
// provider.
type llmSummaryProvider struct {
	runtime *Runtime
}

func (p *llmSummaryProvider) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	req := &CompletionRequest{
		Messages: []CompletionMessage{
			{Role: "user", Content: agentctx.BuildSummarizationPrompt(messages, maxLength)},
		},
		MaxTokens: 1024,
		System:    "You summarize conversations. Return only the summary text.",
	}
	if p.runtime.defaultModel != "" {
		req.Model = p.runtime.defaultModel
	}

	ch, err := p.runtime.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for chunk := range ch {
		if chunk == nil {
			continue
		}
		if chunk.ToolCall != nil {
			return "", fmt.Errorf("unexpected tool call during summarization: %s", chunk.ToolCall.Name)
		}
		if chunk.Error != nil {
			return "", chunk.Error
		}
		if chunk.Done {
			break
		}
		b.WriteString(chunk.Text)
	}
	return strings.TrimSpace(b.String()), nil
}

// processBufferSize buffers the Process chunk channel.
const processBufferSize = 10
