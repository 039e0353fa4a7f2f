package gateway

import (
	"context"

	"github.com/stakpak-dev/runtime/internal/eventlog"
	"github.com/stakpak-dev/runtime/internal/observability"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// EventLogPlugin publishes every agent event into the per-session event
// log so streaming clients can replay missed events after a reconnect.
type EventLogPlugin struct {
	log *eventlog.Log
}

// NewEventLogPlugin creates a plugin backed by the given event log.
func NewEventLogPlugin(log *eventlog.Log) *EventLogPlugin {
	return &EventLogPlugin{log: log}
}

// OnEvent appends the event to the session's buffer. Events without a
// session id in the context (e.g. synthetic test emissions) are dropped.
func (p *EventLogPlugin) OnEvent(ctx context.Context, e models.AgentEvent) {
	if p.log == nil {
		return
	}
	sessionID := observability.GetSessionID(ctx)
	if sessionID == "" {
		return
	}
	p.log.Publish(sessionID, e.RunID, e)
}
