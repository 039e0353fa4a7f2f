package agent

import (
	"context"
	"strings"

	"github.com/stakpak-dev/runtime/internal/tools/policy"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Request-scoped overrides travel on the context so one runtime instance
// can serve many sessions with different settings per run.

type sessionKey struct{}
type runtimeOptsKey struct{}
type systemPromptKey struct{}
type modelKey struct{}
type elevatedKey struct{}
type chunksChanKey struct{}
type toolPolicyKey struct{}
type toolResolverKey struct{}

// contextPruningCacheTouchKey is the session metadata key recording when
// the provider cache was last warmed.
const contextPruningCacheTouchKey = "context_pruning_cache_ttl_at"

// MaxResponseTextSize caps accumulated response text at 1 MiB so a
// runaway stream can't exhaust memory.
const MaxResponseTextSize = 1 << 20

// MaxToolCallsPerIteration caps how many tool calls one turn may propose.
const MaxToolCallsPerIteration = 100

// WithSession attaches the session to the context.
func WithSession(ctx context.Context, session *models.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// SessionFromContext reads the session, nil when absent.
func SessionFromContext(ctx context.Context) *models.Session {
	session, _ := ctx.Value(sessionKey{}).(*models.Session)
	return session
}

// WithRuntimeOptions attaches per-request option overrides.
func WithRuntimeOptions(ctx context.Context, opts RuntimeOptions) context.Context {
	return context.WithValue(ctx, runtimeOptsKey{}, opts)
}

func runtimeOptionsFromContext(ctx context.Context) (RuntimeOptions, bool) {
	opts, ok := ctx.Value(runtimeOptsKey{}).(RuntimeOptions)
	return opts, ok
}

// WithSystemPrompt attaches a request-scoped system prompt override.
func WithSystemPrompt(ctx context.Context, prompt string) context.Context {
	if prompt = strings.TrimSpace(prompt); prompt == "" {
		return ctx
	}
	return context.WithValue(ctx, systemPromptKey{}, prompt)
}

func systemPromptFromContext(ctx context.Context) (string, bool) {
	value, _ := ctx.Value(systemPromptKey{}).(string)
	value = strings.TrimSpace(value)
	return value, value != ""
}

// WithModel attaches a request-scoped model override.
func WithModel(ctx context.Context, model string) context.Context {
	if model = strings.TrimSpace(model); model == "" {
		return ctx
	}
	return context.WithValue(ctx, modelKey{}, model)
}

func modelFromContext(ctx context.Context) (string, bool) {
	value, _ := ctx.Value(modelKey{}).(string)
	value = strings.TrimSpace(value)
	return value, value != ""
}

// ElevatedMode relaxes approval requirements for one request.
type ElevatedMode string

const (
	// ElevatedOff applies the normal policy.
	ElevatedOff ElevatedMode = "off"
	// ElevatedAsk keeps approvals but flags the run as user-initiated.
	ElevatedAsk ElevatedMode = "ask"
	// ElevatedFull bypasses approvals for the configured elevated tools.
	ElevatedFull ElevatedMode = "full"
)

// ParseElevatedMode normalizes a user directive, reporting whether it was
// recognized.
func ParseElevatedMode(value string) (ElevatedMode, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "ask":
		return ElevatedAsk, true
	case "full":
		return ElevatedFull, true
	case "off":
		return ElevatedOff, true
	}
	return ElevatedOff, false
}

// WithElevated attaches an elevated-mode override.
func WithElevated(ctx context.Context, mode ElevatedMode) context.Context {
	return context.WithValue(ctx, elevatedKey{}, mode)
}

// ElevatedFromContext reads the elevated mode, off when absent.
func ElevatedFromContext(ctx context.Context) ElevatedMode {
	if mode, ok := ctx.Value(elevatedKey{}).(ElevatedMode); ok {
		return mode
	}
	return ElevatedOff
}

// WithToolPolicy attaches a tool allow/deny policy and its resolver.
func WithToolPolicy(ctx context.Context, resolver *policy.Resolver, toolPolicy *policy.Policy) context.Context {
	if resolver == nil || toolPolicy == nil {
		return ctx
	}
	ctx = context.WithValue(ctx, toolResolverKey{}, resolver)
	return context.WithValue(ctx, toolPolicyKey{}, toolPolicy)
}

func toolPolicyFromContext(ctx context.Context) (*policy.Resolver, *policy.Policy, bool) {
	resolver, _ := ctx.Value(toolResolverKey{}).(*policy.Resolver)
	toolPolicy, _ := ctx.Value(toolPolicyKey{}).(*policy.Policy)
	if resolver == nil || toolPolicy == nil {
		return nil, nil, false
	}
	return resolver, toolPolicy, true
}

// ContextTransformFunc rewrites the packed messages right before the
// provider call; the hook point for request-scoped redaction or
// augmentation.
type ContextTransformFunc func(ctx context.Context, messages []CompletionMessage) ([]CompletionMessage, error)

type contextTransformKey struct{}

// WithContextTransform attaches a message transform to the request.
func WithContextTransform(ctx context.Context, transform ContextTransformFunc) context.Context {
	if transform == nil {
		return ctx
	}
	return context.WithValue(ctx, contextTransformKey{}, transform)
}

// ContextTransformFromContext reads the transform, nil when absent.
func ContextTransformFromContext(ctx context.Context) ContextTransformFunc {
	transform, _ := ctx.Value(contextTransformKey{}).(ContextTransformFunc)
	return transform
}

// APIKeyResolver produces the API key for a provider at call time, so
// short-lived OAuth tokens refresh mid-run.
type APIKeyResolver func(ctx context.Context, provider string) (string, error)

type apiKeyResolverKey struct{}
type resolvedAPIKeyKey struct{}

// WithAPIKeyResolver attaches a per-call key resolver.
func WithAPIKeyResolver(ctx context.Context, resolver APIKeyResolver) context.Context {
	if resolver == nil {
		return ctx
	}
	return context.WithValue(ctx, apiKeyResolverKey{}, resolver)
}

// APIKeyResolverFromContext reads the resolver, nil when absent.
func APIKeyResolverFromContext(ctx context.Context) APIKeyResolver {
	resolver, _ := ctx.Value(apiKeyResolverKey{}).(APIKeyResolver)
	return resolver
}

// WithResolvedAPIKey carries an already-resolved key to the provider.
func WithResolvedAPIKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, resolvedAPIKeyKey{}, key)
}

// ResolvedAPIKeyFromContext reads the resolved key, empty when absent.
func ResolvedAPIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(resolvedAPIKeyKey{}).(string)
	return key
}

// ThinkingLevel selects the extended-reasoning depth for models that
// support it.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingMax     ThinkingLevel = "max"
)

// ThinkingBudgets maps each level to its token budget.
var ThinkingBudgets = map[ThinkingLevel]int{
	ThinkingOff:     0,
	ThinkingMinimal: 1024,
	ThinkingLow:     4096,
	ThinkingMedium:  16384,
	ThinkingHigh:    65536,
	ThinkingMax:     100000,
}

// GetThinkingBudget returns the token budget for a level, 0 if unknown.
func GetThinkingBudget(level ThinkingLevel) int {
	return ThinkingBudgets[level]
}

type thinkingLevelKey struct{}

// WithThinkingLevel attaches a thinking-level override.
func WithThinkingLevel(ctx context.Context, level ThinkingLevel) context.Context {
	return context.WithValue(ctx, thinkingLevelKey{}, level)
}

// ThinkingLevelFromContext reads the level, off when absent.
func ThinkingLevelFromContext(ctx context.Context) ThinkingLevel {
	if level, ok := ctx.Value(thinkingLevelKey{}).(ThinkingLevel); ok {
		return level
	}
	return ThinkingOff
}
