package agent

import (
	"context"
	"sync/atomic"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// EventSink receives the run's event stream. Implementations must be
// safe for concurrent use and must not block the emitting goroutine.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// PluginSink forwards events to a plugin registry.
type PluginSink struct {
	registry *PluginRegistry
}

// NewPluginSink creates a sink over the registry.
func NewPluginSink(registry *PluginRegistry) *PluginSink {
	return &PluginSink{registry: registry}
}

func (s *PluginSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.registry != nil {
		s.registry.Emit(ctx, e)
	}
}

// MultiSink fans events to several sinks in order.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink composes sinks, dropping nils.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	kept := make([]EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &MultiSink{sinks: kept}
}

func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink adapts a function to the sink interface.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink wraps fn as a sink.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.AgentEvent) {}

// BackpressureConfig sizes the two-lane sink's buffers.
type BackpressureConfig struct {
	// HighPriBuffer holds lifecycle events, which are never dropped.
	HighPriBuffer int
	// LowPriBuffer holds deltas, which may drop under pressure.
	LowPriBuffer int
}

// DefaultBackpressureConfig sizes the lanes for interactive streaming.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{HighPriBuffer: 32, LowPriBuffer: 256}
}

// BackpressureSink splits the stream into two lanes: lifecycle events
// block until delivered (correctness depends on them), while text deltas
// drop when a slow consumer falls behind. The merged output channel
// always prefers the lifecycle lane.
type BackpressureSink struct {
	highPri chan models.AgentEvent
	lowPri  chan models.AgentEvent
	merged  chan models.AgentEvent
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewBackpressureSink builds the sink and returns its merged output
// channel for the caller to consume.
func NewBackpressureSink(config BackpressureConfig) (*BackpressureSink, <-chan models.AgentEvent) {
	if config.HighPriBuffer <= 0 {
		config.HighPriBuffer = 32
	}
	if config.LowPriBuffer <= 0 {
		config.LowPriBuffer = 256
	}
	sink := &BackpressureSink{
		highPri: make(chan models.AgentEvent, config.HighPriBuffer),
		lowPri:  make(chan models.AgentEvent, config.LowPriBuffer),
		merged:  make(chan models.AgentEvent, config.HighPriBuffer),
	}
	go sink.merge()
	return sink, sink.merged
}

func (s *BackpressureSink) merge() {
	defer close(s.merged)
	for {
		// Drain the lifecycle lane first so deltas never starve it.
		select {
		case event, open := <-s.highPri:
			if !open {
				for event := range s.lowPri {
					s.merged <- event
				}
				return
			}
			s.merged <- event
			continue
		default:
		}

		select {
		case event, open := <-s.highPri:
			if !open {
				for event := range s.lowPri {
					s.merged <- event
				}
				return
			}
			s.merged <- event
		case event, open := <-s.lowPri:
			if open {
				s.merged <- event
			}
		}
	}
}

// Emit routes the event to its lane. Droppable events are discarded when
// the lane is full; lifecycle events wait for space.
func (s *BackpressureSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.closed.Load() {
		return
	}
	if isDroppableEvent(e.Type) {
		select {
		case s.lowPri <- e:
		default:
			s.dropped.Add(1)
		}
		return
	}

	select {
	case s.highPri <- e:
	case <-ctx.Done():
		// One last non-blocking try so terminal events still land.
		select {
		case s.highPri <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// DroppedCount reports how many droppable events were discarded.
func (s *BackpressureSink) DroppedCount() uint64 {
	return s.dropped.Load()
}

// Close ends the stream; the merged channel closes after draining.
func (s *BackpressureSink) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.highPri)
	close(s.lowPri)
}

// isDroppableEvent marks the event kinds a slow consumer may miss
// without losing correctness.
func isDroppableEvent(t models.AgentEventType) bool {
	switch t {
	case models.AgentEventModelDelta, models.AgentEventToolStdout, models.AgentEventToolStderr:
		return true
	}
	return false
}

// ChunkAdapterSink converts the event stream into ResponseChunks for the
// Process() surface.
type ChunkAdapterSink struct {
	ch chan<- *ResponseChunk
}

// NewChunkAdapterSink creates the adapter over a buffered channel.
func NewChunkAdapterSink(ch chan<- *ResponseChunk) *ChunkAdapterSink {
	return &ChunkAdapterSink{ch: ch}
}

func (s *ChunkAdapterSink) Emit(ctx context.Context, e models.AgentEvent) {
	chunk := eventToChunk(e)
	if chunk == nil {
		return
	}

	select {
	case s.ch <- chunk:
		return
	default:
	}

	if chunk.Error != nil {
		// Terminal errors must land; block until delivered or the
		// consumer is gone.
		select {
		case s.ch <- chunk:
		case <-ctx.Done():
		}
		return
	}
	select {
	case s.ch <- chunk:
	case <-ctx.Done():
	default:
	}
}

// eventToChunk maps one event to a chunk, nil for events with no chunk
// representation.
func eventToChunk(e models.AgentEvent) *ResponseChunk {
	switch e.Type {
	case models.AgentEventModelDelta:
		if e.Stream != nil && e.Stream.Delta != "" {
			return &ResponseChunk{Text: e.Stream.Delta}
		}
	case models.AgentEventToolFinished:
		if e.Tool != nil {
			return &ResponseChunk{ToolResult: &models.ToolResult{
				ToolCallID: e.Tool.CallID,
				Content:    string(e.Tool.ResultJSON),
				IsError:    !e.Tool.Success,
			}}
		}
	case models.AgentEventToolTimedOut:
		if e.Tool != nil {
			content := "tool execution timed out"
			if e.Error != nil && e.Error.Message != "" {
				content = e.Error.Message
			}
			return &ResponseChunk{ToolResult: &models.ToolResult{
				ToolCallID: e.Tool.CallID,
				Content:    content,
				IsError:    true,
			}}
		}
	case models.AgentEventRunError, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
		if e.Error != nil {
			err := e.Error.Err
			if err == nil {
				err = &AgentError{Message: e.Error.Message}
			}
			return &ResponseChunk{Error: err}
		}
	}
	return nil
}

// AgentError wraps a message-only failure from the event stream.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return e.Message }
