package context

import (
	"fmt"
	"strings"
	"time"

	"github.com/stakpak-dev/runtime/pkg/models"
)

// ContextPruningMode selects the pruning trigger.
type ContextPruningMode string

const (
	// ContextPruningOff disables pruning.
	ContextPruningOff ContextPruningMode = "off"
	// ContextPruningCacheTTL prunes once the provider's prefix cache has
	// gone cold: at that point editing old messages no longer costs a
	// cache miss, so stale tool results can be shrunk.
	ContextPruningCacheTTL ContextPruningMode = "cache-ttl"
)

// ContextPruningToolMatch limits pruning to some tools' results.
type ContextPruningToolMatch struct {
	Allow []string
	Deny  []string
}

// ContextPruningSoftTrim bounds the first, lossy-but-gentle pass.
type ContextPruningSoftTrim struct {
	MaxChars  int
	HeadChars int
	TailChars int
}

// ContextPruningHardClear configures the last-resort pass that replaces
// old tool results wholesale.
type ContextPruningHardClear struct {
	Enabled     bool
	Placeholder string
}

// ContextPruningSettings controls in-memory tool result pruning.
type ContextPruningSettings struct {
	Mode                 ContextPruningMode
	TTL                  time.Duration
	KeepLastAssistants   int
	SoftTrimRatio        float64
	HardClearRatio       float64
	MinPrunableToolChars int
	Tools                ContextPruningToolMatch
	SoftTrim             ContextPruningSoftTrim
	HardClear            ContextPruningHardClear
}

// DefaultContextPruningSettings trims past 30% of the window and clears
// past 50%, always keeping the last three assistant turns intact.
func DefaultContextPruningSettings() ContextPruningSettings {
	return ContextPruningSettings{
		Mode:                 ContextPruningCacheTTL,
		TTL:                  5 * time.Minute,
		KeepLastAssistants:   3,
		SoftTrimRatio:        0.3,
		HardClearRatio:       0.5,
		MinPrunableToolChars: 50000,
		SoftTrim:             ContextPruningSoftTrim{MaxChars: 4000, HeadChars: 1500, TailChars: 1500},
		HardClear:            ContextPruningHardClear{Enabled: true, Placeholder: "[Old tool result content cleared]"},
	}
}

// pruner carries one pruning pass's working state.
type pruner struct {
	settings   ContextPruningSettings
	charWindow int
	original   []*models.Message
	working    []*models.Message
	totalChars int
	toolNames  map[string]string
	prunable   func(string) bool
}

// PruneContextMessages shrinks old tool results in two stages: a soft
// trim that keeps each result's head and tail, then (if the context is
// still past the hard ratio) wholesale clearing, oldest first. The last
// KeepLastAssistants turns are never touched. The input slice is returned
// unchanged when nothing needed pruning.
func PruneContextMessages(messages []*models.Message, settings ContextPruningSettings, charWindow int) []*models.Message {
	if len(messages) == 0 || charWindow <= 0 {
		return messages
	}

	cutoff, ok := protectedCutoff(messages, settings.KeepLastAssistants)
	if !ok {
		return messages
	}
	start := firstUserIndex(messages)
	if start < 0 || start >= cutoff {
		return messages
	}

	p := &pruner{
		settings:   settings,
		charWindow: charWindow,
		original:   messages,
		totalChars: estimateChars(messages),
		toolNames:  toolCallNames(messages),
		prunable:   prunablePredicate(settings.Tools),
	}
	if p.ratio() < settings.SoftTrimRatio {
		return messages
	}

	refs := p.softTrim(start, cutoff)
	if p.ratio() >= settings.HardClearRatio && settings.HardClear.Enabled {
		p.hardClear(refs)
	}

	if p.working == nil {
		return messages
	}
	return p.working
}

func (p *pruner) ratio() float64 {
	return float64(p.totalChars) / float64(p.charWindow)
}

func (p *pruner) message(index int) *models.Message {
	if p.working != nil && index < len(p.working) {
		return p.working[index]
	}
	return p.original[index]
}

// replace swaps in an updated copy of one message, materializing the
// working slice lazily so an untouched history allocates nothing.
func (p *pruner) replace(index int, updated *models.Message) {
	if p.working == nil {
		p.working = make([]*models.Message, len(p.original))
		copy(p.working, p.original)
	}
	p.working[index] = updated
}

type resultRef struct {
	messageIndex int
	resultIndex  int
}

// softTrim shrinks every prunable tool result in the unprotected range,
// returning the references for the hard-clear pass.
func (p *pruner) softTrim(start, cutoff int) []resultRef {
	var refs []resultRef
	for i := start; i < cutoff; i++ {
		msg := p.message(i)
		if msg == nil || len(msg.ToolResults) == 0 {
			continue
		}
		for j := range msg.ToolResults {
			result := msg.ToolResults[j]
			if !p.prunable(p.toolNames[result.ToolCallID]) {
				continue
			}
			refs = append(refs, resultRef{messageIndex: i, resultIndex: j})

			trimmed, changed := trimHeadTail(result.Content, p.settings.SoftTrim)
			if !changed {
				continue
			}
			updated := copyWithToolResults(msg)
			updated.ToolResults[j].Content = trimmed
			p.totalChars += estimateMessageChars(updated) - estimateMessageChars(msg)
			p.replace(i, updated)
			msg = updated
		}
	}
	return refs
}

// hardClear replaces prunable results with the placeholder, oldest first,
// until the context drops under the hard ratio.
func (p *pruner) hardClear(refs []resultRef) {
	prunableChars := 0
	for _, ref := range refs {
		if msg := p.message(ref.messageIndex); msg != nil && ref.resultIndex < len(msg.ToolResults) {
			prunableChars += len(msg.ToolResults[ref.resultIndex].Content)
		}
	}
	if prunableChars < p.settings.MinPrunableToolChars {
		return
	}

	for _, ref := range refs {
		if p.ratio() < p.settings.HardClearRatio {
			return
		}
		msg := p.message(ref.messageIndex)
		if msg == nil || ref.resultIndex >= len(msg.ToolResults) {
			continue
		}
		updated := copyWithToolResults(msg)
		updated.ToolResults[ref.resultIndex].Content = p.settings.HardClear.Placeholder
		p.totalChars += estimateMessageChars(updated) - estimateMessageChars(msg)
		p.replace(ref.messageIndex, updated)
	}
}

// protectedCutoff finds the index of the KeepLastAssistants-th assistant
// message from the end; everything at or after it is untouchable.
func protectedCutoff(messages []*models.Message, keepLastAssistants int) (int, bool) {
	if keepLastAssistants <= 0 {
		return len(messages), true
	}
	remaining := keepLastAssistants
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == models.RoleAssistant {
			remaining--
			if remaining == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func firstUserIndex(messages []*models.Message) int {
	for i, msg := range messages {
		if msg != nil && msg.Role == models.RoleUser {
			return i
		}
	}
	return -1
}

// trimHeadTail keeps a result's opening and closing stretches with a note
// recording what was dropped.
func trimHeadTail(content string, bounds ContextPruningSoftTrim) (string, bool) {
	size := len(content)
	if size <= bounds.MaxChars {
		return content, false
	}
	head := max(bounds.HeadChars, 0)
	tail := max(bounds.TailChars, 0)
	if head+tail >= size {
		return content, false
	}
	note := fmt.Sprintf("\n\n[Tool result trimmed: kept first %d chars and last %d chars of %d chars.]", head, tail, size)
	return content[:head] + "\n...\n" + content[size-tail:] + note, true
}

// prunablePredicate compiles the allow/deny tool patterns: deny wins, an
// empty allow list means everything else is fair game.
func prunablePredicate(match ContextPruningToolMatch) func(string) bool {
	deny := normalizePatterns(match.Deny)
	allow := normalizePatterns(match.Allow)
	return func(toolName string) bool {
		name := strings.ToLower(strings.TrimSpace(toolName))
		if name == "" || matchesAny(name, deny) {
			return false
		}
		return len(allow) == 0 || matchesAny(name, allow)
	}
}

func normalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if value := strings.ToLower(strings.TrimSpace(pattern)); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if wildcardMatch(pattern, name) {
			return true
		}
	}
	return false
}

// wildcardMatch supports "*" segments anywhere in the pattern.
func wildcardMatch(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}
	parts := strings.Split(pattern, "*")
	pos := 0
	if parts[0] != "" {
		if !strings.HasPrefix(value, parts[0]) {
			return false
		}
		pos = len(parts[0])
	}
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		next := strings.Index(value[pos:], part)
		if next < 0 {
			return false
		}
		pos += next + len(part)
	}
	last := parts[len(parts)-1]
	return last == "" || strings.HasSuffix(value[pos:], last)
}

func toolCallNames(messages []*models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, call := range msg.ToolCalls {
			if call.ID != "" && call.Name != "" {
				names[call.ID] = call.Name
			}
		}
	}
	return names
}

func estimateChars(messages []*models.Message) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessageChars(msg)
	}
	return total
}

func estimateMessageChars(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := len(msg.Content)
	for _, result := range msg.ToolResults {
		total += len(result.Content)
	}
	for _, call := range msg.ToolCalls {
		total += len(call.Input)
	}
	return total
}

func copyWithToolResults(msg *models.Message) *models.Message {
	copied := *msg
	copied.ToolResults = append([]models.ToolResult(nil), msg.ToolResults...)
	return &copied
}
