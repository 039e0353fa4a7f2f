package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// EventEmitter stamps agent events with the run id and a monotonic
// sequence, then hands them to the configured sink. One emitter serves
// one run; the sequence makes event order reconstructible even when
// consumers fan out across goroutines.
type EventEmitter struct {
	runID    string
	sequence uint64

	turnIndex int
	iterIndex int

	sink EventSink
}

// NewEventEmitter creates an emitter for one run. A nil sink discards
// events.
func NewEventEmitter(runID string, sink EventSink) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{runID: runID, sink: sink}
}

// SetTurn updates the turn index stamped on subsequent events.
func (e *EventEmitter) SetTurn(turnIndex int) { e.turnIndex = turnIndex }

// SetIter updates the iteration index stamped on subsequent events.
func (e *EventEmitter) SetIter(iterIndex int) { e.iterIndex = iterIndex }

// send builds, stamps, and dispatches one event, returning it for
// callers that want to inspect what went out.
func (e *EventEmitter) send(ctx context.Context, eventType models.AgentEventType, fill func(*models.AgentEvent)) models.AgentEvent {
	event := models.AgentEvent{
		Version:   1,
		Type:      eventType,
		Time:      time.Now(),
		Sequence:  atomic.AddUint64(&e.sequence, 1),
		RunID:     e.runID,
		TurnIndex: e.turnIndex,
		IterIndex: e.iterIndex,
	}
	if fill != nil {
		fill(&event)
	}
	e.sink.Emit(ctx, event)
	return event
}

// RunStarted marks the beginning of the run.
func (e *EventEmitter) RunStarted(ctx context.Context) models.AgentEvent {
	return e.send(ctx, models.AgentEventRunStarted, nil)
}

// RunFinished marks normal completion, with accumulated stats attached.
func (e *EventEmitter) RunFinished(ctx context.Context, stats *models.RunStats) models.AgentEvent {
	return e.send(ctx, models.AgentEventRunFinished, func(event *models.AgentEvent) {
		if stats != nil {
			event.Stats = &models.StatsEventPayload{Run: stats}
		}
	})
}

// RunError marks a failed run.
func (e *EventEmitter) RunError(ctx context.Context, err error, retriable bool) models.AgentEvent {
	return e.send(ctx, models.AgentEventRunError, func(event *models.AgentEvent) {
		event.Error = &models.ErrorEventPayload{
			Message:   err.Error(),
			Retriable: retriable,
			Err:       err,
		}
	})
}

// RunCancelled marks a user- or system-initiated cancellation.
func (e *EventEmitter) RunCancelled(ctx context.Context) models.AgentEvent {
	return e.send(ctx, models.AgentEventRunCancelled, func(event *models.AgentEvent) {
		event.Error = &models.ErrorEventPayload{Message: "run cancelled", Err: context.Canceled}
	})
}

// RunTimedOut marks a run that exceeded its wall-time limit.
func (e *EventEmitter) RunTimedOut(ctx context.Context, limit time.Duration) models.AgentEvent {
	return e.send(ctx, models.AgentEventRunTimedOut, func(event *models.AgentEvent) {
		event.Error = &models.ErrorEventPayload{
			Message: "run exceeded wall time limit of " + limit.String(),
			Err:     context.DeadlineExceeded,
		}
	})
}

// IterStarted marks the start of one agentic-loop iteration.
func (e *EventEmitter) IterStarted(ctx context.Context) models.AgentEvent {
	return e.send(ctx, models.AgentEventIterStarted, nil)
}

// IterFinished marks the end of one iteration.
func (e *EventEmitter) IterFinished(ctx context.Context) models.AgentEvent {
	return e.send(ctx, models.AgentEventIterFinished, nil)
}

// ModelDelta carries one streamed text fragment.
func (e *EventEmitter) ModelDelta(ctx context.Context, delta string) models.AgentEvent {
	return e.send(ctx, models.AgentEventModelDelta, func(event *models.AgentEvent) {
		event.Stream = &models.StreamEventPayload{Delta: delta}
	})
}

// ModelCompleted marks one provider call finishing, with token usage.
func (e *EventEmitter) ModelCompleted(ctx context.Context, provider, model string, inputTokens, outputTokens int) models.AgentEvent {
	return e.send(ctx, models.AgentEventModelCompleted, func(event *models.AgentEvent) {
		event.Stream = &models.StreamEventPayload{
			Provider:     provider,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}
	})
}

// ToolStarted marks one tool call beginning execution.
func (e *EventEmitter) ToolStarted(ctx context.Context, callID, name string, argsJSON []byte) models.AgentEvent {
	return e.send(ctx, models.AgentEventToolStarted, func(event *models.AgentEvent) {
		event.Tool = &models.ToolEventPayload{CallID: callID, Name: name, ArgsJSON: argsJSON}
	})
}

// ToolFinished marks one tool call completing.
func (e *EventEmitter) ToolFinished(ctx context.Context, callID, name string, success bool, resultJSON []byte, elapsed time.Duration) models.AgentEvent {
	return e.send(ctx, models.AgentEventToolFinished, func(event *models.AgentEvent) {
		event.Tool = &models.ToolEventPayload{
			CallID:     callID,
			Name:       name,
			Success:    success,
			ResultJSON: resultJSON,
			Elapsed:    elapsed,
		}
	})
}

// ToolTimedOut marks a tool call that exceeded its per-tool timeout.
func (e *EventEmitter) ToolTimedOut(ctx context.Context, callID, name string, timeout time.Duration) models.AgentEvent {
	return e.send(ctx, models.AgentEventToolTimedOut, func(event *models.AgentEvent) {
		event.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
		event.Error = &models.ErrorEventPayload{
			Message: "tool " + name + " exceeded timeout of " + timeout.String(),
		}
	})
}

// ContextPacked reports a context-reduction pass, for diagnosing what was
// dropped from the prompt.
func (e *EventEmitter) ContextPacked(ctx context.Context, diag *models.ContextEventPayload) models.AgentEvent {
	return e.send(ctx, models.AgentEventContextPacked, func(event *models.AgentEvent) {
		event.Context = diag
	})
}

// StatsCollector folds the event stream into per-run statistics.
type StatsCollector struct {
	stats      models.RunStats
	modelStart time.Time
	toolStarts map[string]time.Time
}

// NewStatsCollector creates a collector for one run.
func NewStatsCollector(runID string) *StatsCollector {
	return &StatsCollector{
		stats:      models.RunStats{RunID: runID, StartedAt: time.Now()},
		toolStarts: make(map[string]time.Time),
	}
}

// OnEvent folds one event into the running totals.
func (c *StatsCollector) OnEvent(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventRunStarted:
		c.stats.StartedAt = e.Time
	case models.AgentEventIterStarted:
		c.stats.Iters++
		c.modelStart = e.Time
	case models.AgentEventModelCompleted:
		if !c.modelStart.IsZero() {
			c.stats.ModelWallTime += e.Time.Sub(c.modelStart)
			c.modelStart = time.Time{}
		}
		if e.Stream != nil {
			c.stats.InputTokens += e.Stream.InputTokens
			c.stats.OutputTokens += e.Stream.OutputTokens
		}
	case models.AgentEventToolStarted:
		c.stats.ToolCalls++
		if e.Tool != nil {
			c.toolStarts[e.Tool.CallID] = e.Time
		}
	case models.AgentEventToolFinished:
		if e.Tool != nil {
			if start, ok := c.toolStarts[e.Tool.CallID]; ok {
				c.stats.ToolWallTime += e.Time.Sub(start)
				delete(c.toolStarts, e.Tool.CallID)
			}
			if !e.Tool.Success {
				c.stats.Errors++
			}
		}
	case models.AgentEventToolTimedOut:
		c.stats.ToolTimeouts++
		c.stats.Errors++
	case models.AgentEventContextPacked:
		c.stats.ContextPacks++
	case models.AgentEventRunError:
		c.stats.Errors++
	case models.AgentEventRunCancelled:
		c.stats.Cancelled = true
		c.stats.Errors++
	case models.AgentEventRunTimedOut:
		c.stats.TimedOut = true
		c.stats.Errors++
	case models.AgentEventRunFinished:
		c.stats.FinishedAt = e.Time
		c.stats.WallTime = e.Time.Sub(c.stats.StartedAt)
	}
}

// Stats returns a copy of the totals, closing them out if the run never
// emitted a finish event.
func (c *StatsCollector) Stats() *models.RunStats {
	stats := c.stats
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now()
		stats.WallTime = stats.FinishedAt.Sub(stats.StartedAt)
	}
	return &stats
}
