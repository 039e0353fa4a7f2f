package observability

import "context"

// Correlation ids attached to a run's context so log lines and metrics
// emitted anywhere in the stack can be tied back to one run.

type runIDKey struct{}
type toolCallIDKey struct{}
type agentIDKey struct{}
type messageIDKey struct{}
type sessionIDKey struct{}

// AddSessionID attaches the session id to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// GetSessionID reads the session id, empty when absent.
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

// AddRunID attaches the run id to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// GetRunID reads the run id, empty when absent.
func GetRunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// AddToolCallID attaches the in-flight tool call id to the context.
func AddToolCallID(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, toolCallIDKey{}, toolCallID)
}

// GetToolCallID reads the tool call id, empty when absent.
func GetToolCallID(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey{}).(string)
	return id
}

// AddAgentID attaches the agent identity to the context.
func AddAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey{}, agentID)
}

// GetAgentID reads the agent identity, empty when absent.
func GetAgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey{}).(string)
	return id
}

// AddMessageID attaches the triggering message id to the context.
func AddMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, messageID)
}

// GetMessageID reads the triggering message id, empty when absent.
func GetMessageID(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey{}).(string)
	return id
}
