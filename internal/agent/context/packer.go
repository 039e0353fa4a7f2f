// Package context reduces conversation history to what fits in a
// provider request: packing recent messages under a budget, pruning
// stale tool output, and folding old turns into rolling summaries.
package context

import (
	"github.com/stakpak-dev/runtime/pkg/models"
)

// PackOptions bounds what Pack may select. Characters stand in for
// tokens at roughly 4:1; the default budget of 30000 chars leaves
// headroom for the system prompt and tool schemas.
type PackOptions struct {
	// MaxMessages caps how many messages the packed context may hold.
	MaxMessages int

	// MaxChars is the approximate character budget across the packed
	// messages.
	MaxChars int

	// MaxToolResultChars truncates any single tool result beyond this.
	MaxToolResultChars int

	// IncludeSummary places the rolling summary ahead of the history.
	IncludeSummary bool

	// SummaryMetadataKey marks summary messages in history so they are
	// not double-counted.
	SummaryMetadataKey string
}

// DefaultPackOptions returns the standard packing budget.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
		SummaryMetadataKey: SummaryMetadataKey,
	}
}

// Packer selects the slice of history that goes to the provider.
type Packer struct {
	opts PackOptions
}

// NewPacker builds a packer, filling zero options with defaults.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	if opts.SummaryMetadataKey == "" {
		opts.SummaryMetadataKey = SummaryMetadataKey
	}
	return &Packer{opts: opts}
}

// PackResult is the packed context plus the diagnostics describing
// every packing decision, emitted as a context.packed event.
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// Pack assembles [summary?, recent history..., incoming?], walking
// history newest-first until either budget is hit, so what gets cut is
// always the oldest turns. Summary messages embedded in history are
// skipped; the caller passes the live summary explicitly. Oversized
// tool results are truncated in copies, never in place.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	return p.PackWithDiagnostics(history, incoming, summary).Messages, nil
}

// PackWithDiagnostics packs and records, per candidate message, whether
// it was included and why not when it wasn't.
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) *PackResult {
	diag := &models.ContextEventPayload{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
	}

	totalChars := 0
	totalMsgs := 0

	// The incoming message and summary are committed up front; history
	// fills whatever budget remains.
	if incoming != nil {
		chars := p.messageChars(incoming)
		totalChars += chars
		totalMsgs++
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       incoming.ID,
			Kind:     models.ContextItemIncoming,
			Chars:    chars,
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
	}
	useSummary := p.opts.IncludeSummary && summary != nil
	if useSummary {
		chars := p.messageChars(summary)
		totalChars += chars
		totalMsgs++
		diag.SummaryUsed = true
		diag.SummaryChars = chars
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       summary.ID,
			Kind:     models.ContextItemSummary,
			Chars:    chars,
			Included: true,
			Reason:   models.ContextReasonReserved,
		})
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		if p.isSummaryMessage(m) {
			diag.Items = append(diag.Items, models.ContextPackItem{
				ID:     m.ID,
				Kind:   models.ContextItemSummary,
				Reason: models.ContextReasonFiltered,
			})
			continue
		}
		filtered = append(filtered, m)
	}
	diag.Candidates = len(filtered)

	// Walk backwards to find the cut point, then take the suffix.
	start := len(filtered)
	for start > 0 {
		msgChars := p.messageChars(filtered[start-1])
		if totalMsgs+1 > p.opts.MaxMessages || totalChars+msgChars > p.opts.MaxChars {
			break
		}
		start--
		totalMsgs++
		totalChars += msgChars
	}

	for _, m := range filtered[:start] {
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:     m.ID,
			Kind:   historyItemKind(m),
			Chars:  p.messageChars(m),
			Reason: models.ContextReasonOverBudget,
		})
	}

	result := make([]*models.Message, 0, totalMsgs)
	if useSummary {
		result = append(result, summary)
	}
	for _, m := range filtered[start:] {
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID:       m.ID,
			Kind:     historyItemKind(m),
			Chars:    p.messageChars(m),
			Included: true,
			Reason:   models.ContextReasonIncluded,
		})
		result = append(result, p.truncateToolResults(m))
	}
	if incoming != nil {
		result = append(result, incoming)
	}

	diag.Included = len(filtered) - start
	diag.Dropped = start
	diag.UsedChars = totalChars
	diag.UsedMessages = totalMsgs

	return &PackResult{Messages: result, Diagnostics: diag}
}

func historyItemKind(m *models.Message) models.ContextItemKind {
	if m.Role == models.RoleTool {
		return models.ContextItemTool
	}
	return models.ContextItemHistory
}

// messageChars estimates a message's cost: content plus tool call
// arguments and tool result payloads.
func (p *Packer) messageChars(m *models.Message) int {
	if m == nil {
		return 0
	}
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Input)
	}
	for _, tr := range m.ToolResults {
		chars += len(tr.Content)
	}
	return chars
}

func (p *Packer) isSummaryMessage(m *models.Message) bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[p.opts.SummaryMetadataKey].(bool)
	return b
}

// truncateToolResults clips oversized tool results, returning the
// original message untouched when nothing exceeds the limit.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	limit := p.opts.MaxToolResultChars
	over := false
	for _, tr := range m.ToolResults {
		if len(tr.Content) > limit {
			over = true
			break
		}
	}
	if !over {
		return m
	}

	clipped := *m
	clipped.ToolResults = make([]models.ToolResult, len(m.ToolResults))
	for i, tr := range m.ToolResults {
		if len(tr.Content) > limit {
			tr.Content = tr.Content[:limit] + "\n...[truncated]"
		}
		clipped.ToolResults[i] = tr
	}
	return &clipped
}
