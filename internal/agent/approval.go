package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// ApprovalDecision is the policy verdict for one proposed tool call.
type ApprovalDecision string

const (
	// ApprovalAllowed lets the call execute without asking anyone.
	ApprovalAllowed ApprovalDecision = "allowed"
	// ApprovalDenied blocks the call outright.
	ApprovalDenied ApprovalDecision = "denied"
	// ApprovalPending means a user must decide before the call may run.
	ApprovalPending ApprovalDecision = "pending"
)

// ApprovalPolicy maps tool names to decisions. The list fields are the
// configuration surface (allow/deny/ask pattern lists plus a default);
// internally they compile into one ordered rule table, first match wins:
// deny beats ask beats allow, and the default decides the rest.
type ApprovalPolicy struct {
	// Allowlist names tools that run without approval. Patterns like
	// "mcp_*" match by prefix.
	Allowlist []string `yaml:"allowlist" json:"allowlist"`

	// Denylist names tools that are always refused.
	Denylist []string `yaml:"denylist" json:"denylist"`

	// RequireApproval names tools that always wait for a user decision,
	// even when a broader allowlist pattern covers them.
	RequireApproval []string `yaml:"require_approval" json:"require_approval"`

	// SafeBins are read-only helpers treated as allowlisted.
	SafeBins []string `yaml:"safe_bins" json:"safe_bins"`

	// SkillAllowlist auto-allows tools registered by enabled skills.
	SkillAllowlist bool `yaml:"skill_allowlist" json:"skill_allowlist"`

	// AskFallback queues an approval request when no UI is attached,
	// instead of denying outright.
	AskFallback bool `yaml:"ask_fallback" json:"ask_fallback"`

	// DefaultDecision applies when no rule matches. Default: pending.
	DefaultDecision ApprovalDecision `yaml:"default_decision" json:"default_decision"`

	// RequestTTL is how long a queued approval request stays decidable.
	RequestTTL time.Duration `yaml:"request_ttl" json:"request_ttl"`
}

// DefaultApprovalPolicy asks about everything except a few read-only
// shell helpers.
func DefaultApprovalPolicy() *ApprovalPolicy {
	return &ApprovalPolicy{
		SafeBins:        []string{"cat", "head", "tail", "wc", "sort", "uniq", "grep"},
		SkillAllowlist:  true,
		AskFallback:     true,
		DefaultDecision: ApprovalPending,
		RequestTTL:      5 * time.Minute,
	}
}

// approvalRule is one compiled policy entry.
type approvalRule struct {
	pattern string
	action  ApprovalDecision
	reason  string
}

// compile flattens the policy's lists into the evaluation order:
// denials first, then explicit ask rules, then allowances.
func (p *ApprovalPolicy) compile() []approvalRule {
	var rules []approvalRule
	for _, pattern := range p.Denylist {
		rules = append(rules, approvalRule{pattern, ApprovalDenied, "tool in denylist"})
	}
	for _, pattern := range p.RequireApproval {
		rules = append(rules, approvalRule{pattern, ApprovalPending, "tool requires approval"})
	}
	for _, pattern := range p.Allowlist {
		rules = append(rules, approvalRule{pattern, ApprovalAllowed, "tool in allowlist"})
	}
	for _, pattern := range p.SafeBins {
		rules = append(rules, approvalRule{pattern, ApprovalAllowed, "tool is safe bin"})
	}
	return rules
}

// normalized fills zero SafeBins, DefaultDecision and RequestTTL from the
// defaults so a partially-specified config behaves predictably. The
// boolean fields (SkillAllowlist, AskFallback) are kept as given.
func (p *ApprovalPolicy) normalized() *ApprovalPolicy {
	defaults := DefaultApprovalPolicy()
	if p == nil {
		return defaults
	}
	out := *p
	if len(out.SafeBins) == 0 {
		out.SafeBins = defaults.SafeBins
	}
	if out.DefaultDecision == "" {
		out.DefaultDecision = defaults.DefaultDecision
	}
	if out.RequestTTL <= 0 {
		out.RequestTTL = defaults.RequestTTL
	}
	return &out
}

// matchesToolName reports whether pattern covers name: exact match, or a
// "*"-suffixed prefix match.
func matchesToolName(pattern, name string) bool {
	if pattern == name || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return false
}

// ApprovalRequest is a queued ask awaiting a user decision.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name"`
	Input      []byte           `json:"input,omitempty"`
	AgentID    string           `json:"agent_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at,omitempty"`
	Decision   ApprovalDecision `json:"decision"`
	DecidedAt  time.Time        `json:"decided_at,omitempty"`
	DecidedBy  string           `json:"decided_by,omitempty"`
}

// ApprovalStore persists queued approval requests.
type ApprovalStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	Update(ctx context.Context, req *ApprovalRequest) error
	ListPending(ctx context.Context, agentID string) ([]*ApprovalRequest, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ApprovalChecker evaluates tool calls against the configured policies.
// It supplies the initial Accept/Reject/Ask classification that the
// approval state machine then dispatches in proposal order.
type ApprovalChecker struct {
	mu            sync.RWMutex
	defaultPolicy *ApprovalPolicy
	agentPolicies map[string]*ApprovalPolicy
	skillTools    map[string]struct{}
	store         ApprovalStore
	uiAvailable   func() bool
}

// NewApprovalChecker creates a checker over the given default policy; nil
// uses DefaultApprovalPolicy.
func NewApprovalChecker(defaultPolicy *ApprovalPolicy) *ApprovalChecker {
	return &ApprovalChecker{
		defaultPolicy: defaultPolicy.normalized(),
		agentPolicies: make(map[string]*ApprovalPolicy),
		skillTools:    make(map[string]struct{}),
	}
}

// SetStore wires the store queued approval requests persist to.
func (c *ApprovalChecker) SetStore(store ApprovalStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = store
}

// SetUIAvailableCheck wires the callback that says whether someone can
// answer an ask right now.
func (c *ApprovalChecker) SetUIAvailableCheck(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uiAvailable = fn
}

// SetAgentPolicy overrides the policy for one agent identity.
func (c *ApprovalChecker) SetAgentPolicy(agentID string, policy *ApprovalPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentPolicies[agentID] = policy.normalized()
}

// RegisterSkillTools marks tools as skill-provided for the skill
// allowlist rule.
func (c *ApprovalChecker) RegisterSkillTools(tools []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tool := range tools {
		c.skillTools[tool] = struct{}{}
	}
}

// PolicyFor returns the effective policy for an agent identity.
func (c *ApprovalChecker) PolicyFor(agentID string) *ApprovalPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if policy, ok := c.agentPolicies[agentID]; ok {
		return policy
	}
	return c.defaultPolicy
}

// IsUIAvailable reports whether an interactive decision surface exists.
func (c *ApprovalChecker) IsUIAvailable() bool {
	c.mu.RLock()
	fn := c.uiAvailable
	c.mu.RUnlock()
	return fn != nil && fn()
}

// Check classifies one tool call: the compiled rule table first, then the
// skill allowlist, then the default. A pending verdict downgrades to
// denied when nobody can answer and AskFallback is off.
func (c *ApprovalChecker) Check(ctx context.Context, agentID string, toolCall models.ToolCall) (ApprovalDecision, string) {
	policy := c.PolicyFor(agentID)

	for _, rule := range policy.compile() {
		if matchesToolName(rule.pattern, toolCall.Name) {
			return c.resolvePending(policy, rule.action, rule.reason)
		}
	}

	if policy.SkillAllowlist {
		c.mu.RLock()
		_, isSkillTool := c.skillTools[toolCall.Name]
		c.mu.RUnlock()
		if isSkillTool {
			return ApprovalAllowed, "tool provided by skill"
		}
	}

	return c.resolvePending(policy, policy.DefaultDecision, "default policy")
}

func (c *ApprovalChecker) resolvePending(policy *ApprovalPolicy, decision ApprovalDecision, reason string) (ApprovalDecision, string) {
	if decision == ApprovalPending && !policy.AskFallback && !c.IsUIAvailable() {
		return ApprovalDenied, "approval unavailable"
	}
	return decision, reason
}

// CreateApprovalRequest queues a pending ask for later decision, when a
// store is configured.
func (c *ApprovalChecker) CreateApprovalRequest(ctx context.Context, agentID, sessionID string, toolCall models.ToolCall, reason string) (*ApprovalRequest, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil, nil
	}

	now := time.Now()
	req := &ApprovalRequest{
		ID:         uuid.NewString(),
		ToolCallID: toolCall.ID,
		ToolName:   toolCall.Name,
		Input:      toolCall.Input,
		AgentID:    agentID,
		SessionID:  sessionID,
		Reason:     reason,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.PolicyFor(agentID).RequestTTL),
		Decision:   ApprovalPending,
	}
	if err := store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("queue approval request: %w", err)
	}
	return req, nil
}

// decide resolves a queued request.
func (c *ApprovalChecker) decide(ctx context.Context, requestID, decidedBy string, decision ApprovalDecision) error {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("no approval store configured")
	}
	req, err := store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Decision != ApprovalPending {
		return fmt.Errorf("approval request already decided: %s", req.Decision)
	}
	if !req.ExpiresAt.IsZero() && time.Now().After(req.ExpiresAt) {
		return fmt.Errorf("approval request expired")
	}
	req.Decision = decision
	req.DecidedAt = time.Now()
	req.DecidedBy = decidedBy
	return store.Update(ctx, req)
}

// Approve resolves a queued request as allowed.
func (c *ApprovalChecker) Approve(ctx context.Context, requestID, decidedBy string) error {
	return c.decide(ctx, requestID, decidedBy, ApprovalAllowed)
}

// Deny resolves a queued request as denied.
func (c *ApprovalChecker) Deny(ctx context.Context, requestID, decidedBy string) error {
	return c.decide(ctx, requestID, decidedBy, ApprovalDenied)
}

// GetPendingRequests lists undecided, unexpired requests for an agent.
func (c *ApprovalChecker) GetPendingRequests(ctx context.Context, agentID string) ([]*ApprovalRequest, error) {
	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()
	if store == nil {
		return nil, nil
	}
	return store.ListPending(ctx, agentID)
}

// MemoryApprovalStore keeps approval requests in memory.
type MemoryApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*ApprovalRequest
}

// NewMemoryApprovalStore creates an empty in-memory store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{requests: make(map[string]*ApprovalRequest)}
}

func (s *MemoryApprovalStore) Create(ctx context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *req
	s.requests[req.ID] = &copied
	return nil
}

func (s *MemoryApprovalStore) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval request not found: %s", id)
	}
	copied := *req
	return &copied, nil
}

func (s *MemoryApprovalStore) Update(ctx context.Context, req *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; !ok {
		return fmt.Errorf("approval request not found: %s", req.ID)
	}
	copied := *req
	s.requests[req.ID] = &copied
	return nil
}

func (s *MemoryApprovalStore) ListPending(ctx context.Context, agentID string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*ApprovalRequest
	for _, req := range s.requests {
		if req.Decision != ApprovalPending {
			continue
		}
		if agentID != "" && req.AgentID != agentID {
			continue
		}
		if !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
			continue
		}
		copied := *req
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryApprovalStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for id, req := range s.requests {
		if req.CreatedAt.Before(cutoff) {
			delete(s.requests, id)
			pruned++
		}
	}
	return pruned, nil
}
