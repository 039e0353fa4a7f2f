package agent

import (
	"fmt"
	"regexp"
	"strings"
)

// ContextStrategy reduces the full turn history into a bounded prompt sent
// to the provider. Reduction must be deterministic given the same input,
// must not reorder messages, and must preserve at least the final
// user/assistant pairing.
type ContextStrategy interface {
	// Reduce maps the full message history to the messages actually sent
	// on the wire. The input slice is never mutated.
	Reduce(messages []CompletionMessage) []CompletionMessage

	// Name identifies the strategy for logging/config.
	Name() string
}

// HistoryProcessingOptions controls how Scratchpad and TaskBoard flatten
// prior turns into compact text lines.
type HistoryProcessingOptions struct {
	// ActionMessageSizeLimit caps the characters kept per flattened line
	// before eliding the middle.
	ActionMessageSizeLimit int

	// ActionMessageKeepLastN keeps the last N assistant action messages
	// (tool calls) in full; older ones are size-limited.
	ActionMessageKeepLastN int

	// ActionResultKeepLastN keeps the last N tool results in full; older
	// ones are size-limited.
	ActionResultKeepLastN int

	// TruncationHint is appended to elided content, pointing the model at
	// where the full detail lives.
	TruncationHint string
}

// DefaultHistoryProcessingOptions returns the defaults used by the
// Scratchpad and TaskBoard strategies when none are supplied.
func DefaultHistoryProcessingOptions(hint string) HistoryProcessingOptions {
	return HistoryProcessingOptions{
		ActionMessageSizeLimit: 500,
		ActionMessageKeepLastN: 3,
		ActionResultKeepLastN:  3,
		TruncationHint:         hint,
	}
}

// historyItem is one flattened line of turn history.
type historyItem struct {
	role    string
	text    string
	isTool  bool
	isCall  bool
	elided  bool
	ordinal int
}

func (h historyItem) String() string {
	prefix := h.role
	if h.isCall {
		prefix = "assistant (tool call)"
	} else if h.isTool {
		prefix = "tool result"
	}
	return fmt.Sprintf("[%s] %s", prefix, h.text)
}

// messagesToHistory flattens messages into history lines, removing any
// embedded <scratchpad> blocks and truncating assistant tool-call messages
// and tool results beyond the configured keep-last-N window.
func messagesToHistory(messages []CompletionMessage, opts HistoryProcessingOptions) []historyItem {
	var callItems, resultItems, plainItems []int
	items := make([]historyItem, 0, len(messages))

	for i, m := range messages {
		text := scratchpadBlockRe.ReplaceAllString(renderMessageText(m), "")
		item := historyItem{role: string(m.Role), text: text, ordinal: i}
		if m.Role == "" {
			item.role = "user"
		}
		switch {
		case len(m.ToolCalls) > 0:
			item.isCall = true
			callItems = append(callItems, len(items))
		case len(m.ToolResults) > 0:
			item.isTool = true
			resultItems = append(resultItems, len(items))
		default:
			plainItems = append(plainItems, len(items))
		}
		items = append(items, item)
	}

	truncateAllButLastN(items, callItems, opts.ActionMessageKeepLastN, opts)
	truncateAllButLastN(items, resultItems, opts.ActionResultKeepLastN, opts)

	return items
}

func truncateAllButLastN(items []historyItem, indexes []int, keepLastN int, opts HistoryProcessingOptions) {
	if keepLastN < 0 {
		keepLastN = 0
	}
	cutoff := len(indexes) - keepLastN
	for i := 0; i < cutoff; i++ {
		idx := indexes[i]
		items[idx].text = truncateMiddle(items[idx].text, opts.ActionMessageSizeLimit, opts.TruncationHint)
		items[idx].elided = true
	}
}

// truncateMiddle keeps the head and tail of s and elides the middle once s
// exceeds limit characters, so both the opening context and the trailing
// outcome of a long action survive truncation.
func truncateMiddle(s string, limit int, hint string) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	half := limit / 2
	head := s[:half]
	tail := s[len(s)-half:]
	marker := "... [truncated"
	if hint != "" {
		marker += ", " + hint
	}
	marker += "] ..."
	return head + marker + tail
}

func renderMessageText(m CompletionMessage) string {
	if len(m.ToolCalls) > 0 {
		names := make([]string, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			names = append(names, fmt.Sprintf("%s(%s)", tc.Name, string(tc.Input)))
		}
		if m.Content != "" {
			return m.Content + " " + strings.Join(names, ", ")
		}
		return strings.Join(names, ", ")
	}
	if len(m.ToolResults) > 0 {
		parts := make([]string, 0, len(m.ToolResults))
		for _, tr := range m.ToolResults {
			parts = append(parts, tr.Content)
		}
		return strings.Join(parts, "\n")
	}
	return m.Content
}

func historyToText(history []historyItem) string {
	lines := make([]string, 0, len(history))
	for _, item := range history {
		lines = append(lines, item.String())
	}
	return strings.Join(lines, "\n")
}

// PassthroughStrategy sends messages unmodified. It preserves the exact
// message structure (including image attachments on any turn and the
// original tool_call/tool_result pairing) so providers with automatic
// prefix caching see a stable, growing prefix across turns.
type PassthroughStrategy struct{}

// NewPassthroughStrategy constructs a PassthroughStrategy.
func NewPassthroughStrategy() *PassthroughStrategy { return &PassthroughStrategy{} }

// Name implements ContextStrategy.
func (p *PassthroughStrategy) Name() string { return "passthrough" }

// Reduce implements ContextStrategy.
func (p *PassthroughStrategy) Reduce(messages []CompletionMessage) []CompletionMessage {
	out := make([]CompletionMessage, len(messages))
	copy(out, messages)
	return out
}

// SimpleStrategy flattens every message but the last into compact text
// lines, keeping the last message structurally intact so image parts on
// the current turn survive.
type SimpleStrategy struct{}

// NewSimpleStrategy constructs a SimpleStrategy.
func NewSimpleStrategy() *SimpleStrategy { return &SimpleStrategy{} }

// Name implements ContextStrategy.
func (s *SimpleStrategy) Name() string { return "simple" }

// Reduce implements ContextStrategy.
func (s *SimpleStrategy) Reduce(messages []CompletionMessage) []CompletionMessage {
	if len(messages) == 0 {
		return nil
	}
	if len(messages) == 1 {
		out := make([]CompletionMessage, 1)
		out[0] = messages[0]
		return out
	}

	prior := messages[:len(messages)-1]
	last := messages[len(messages)-1]

	var b strings.Builder
	b.WriteString("<history>\n")
	for _, m := range prior {
		role := string(m.Role)
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "[%s] %s\n", role, renderMessageText(m))
	}
	b.WriteString("</history>")

	flattened := CompletionMessage{Role: "user", Content: strings.TrimSpace(b.String())}
	return []CompletionMessage{flattened, last}
}

var (
	scratchpadBlockRe = regexp.MustCompile(`(?s)<scratchpad>(.*?)</scratchpad>`)
	scratchpadTagRe   = regexp.MustCompile(`(?s)<([a-zA-Z_][a-zA-Z0-9_-]*?)>(.*?)</([a-zA-Z_][a-zA-Z0-9_-]*?)>`)
)

// extractScratchpad pulls the well-formed tag→content pairs out of every
// <scratchpad>...</scratchpad> block found in s, a later block overriding
// an earlier one on the same tag. Later calls on the same key (via the
// caller's accumulation) override earlier ones.
func extractScratchpad(s string) map[string]string {
	blocks := scratchpadBlockRe.FindAllStringSubmatch(s, -1)
	if len(blocks) == 0 {
		return nil
	}
	out := map[string]string{}
	for _, block := range blocks {
		inner := block[1]
		for _, m := range scratchpadTagRe.FindAllStringSubmatch(inner, -1) {
			opening, content, closing := m[1], m[2], m[3]
			if opening == closing {
				out[opening] = strings.TrimSpace(content)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ScratchpadStrategy extracts <scratchpad> blocks embedded in prior
// messages into a tag→content map (later tags override earlier ones) and
// emits a single synthetic user message with a <scratchpad> section
// followed by a length-limited <history> section.
type ScratchpadStrategy struct {
	opts HistoryProcessingOptions
}

// NewScratchpadStrategy constructs a ScratchpadStrategy with the given
// history-processing options. A zero value uses
// DefaultHistoryProcessingOptions("consult the scratchpad instead").
func NewScratchpadStrategy(opts HistoryProcessingOptions) *ScratchpadStrategy {
	if opts.TruncationHint == "" {
		opts = DefaultHistoryProcessingOptions("consult the scratchpad instead")
	}
	return &ScratchpadStrategy{opts: opts}
}

// Name implements ContextStrategy.
func (s *ScratchpadStrategy) Name() string { return "scratchpad" }

// Reduce implements ContextStrategy.
func (s *ScratchpadStrategy) Reduce(messages []CompletionMessage) []CompletionMessage {
	scratchpad := map[string]string{}
	for _, m := range messages {
		if extracted := extractScratchpad(m.Content); extracted != nil {
			for k, v := range extracted {
				scratchpad[k] = v
			}
		}
	}

	history := messagesToHistory(messages, s.opts)

	var b strings.Builder
	b.WriteString("<scratchpad>\n")
	for _, tag := range sortedKeys(scratchpad) {
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", tag, scratchpad[tag], tag)
	}
	b.WriteString("</scratchpad>\n<history>\n")
	b.WriteString(historyToText(history))
	b.WriteString("\n</history>")

	return []CompletionMessage{{Role: "user", Content: strings.TrimSpace(b.String())}}
}

// TaskBoardStrategy is like ScratchpadStrategy but omits the scratchpad
// section and points truncated content at the task board instead.
type TaskBoardStrategy struct {
	opts HistoryProcessingOptions
}

// NewTaskBoardStrategy constructs a TaskBoardStrategy with the given
// history-processing options. A zero value uses
// DefaultHistoryProcessingOptions("consult the task board cards instead").
func NewTaskBoardStrategy(opts HistoryProcessingOptions) *TaskBoardStrategy {
	if opts.TruncationHint == "" {
		opts = DefaultHistoryProcessingOptions("consult the task board cards instead")
	}
	return &TaskBoardStrategy{opts: opts}
}

// Name implements ContextStrategy.
func (t *TaskBoardStrategy) Name() string { return "task-board" }

// Reduce implements ContextStrategy.
func (t *TaskBoardStrategy) Reduce(messages []CompletionMessage) []CompletionMessage {
	history := messagesToHistory(messages, t.opts)
	text := historyToText(history)
	return []CompletionMessage{{Role: "user", Content: strings.TrimSpace(text)}}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// ContextStrategyByName resolves a strategy by its §4.5 config name,
// defaulting to Passthrough when name is empty or unrecognized.
func ContextStrategyByName(name string) ContextStrategy {
	switch name {
	case "simple":
		return NewSimpleStrategy()
	case "scratchpad":
		return NewScratchpadStrategy(HistoryProcessingOptions{})
	case "task-board", "taskboard", "task_board":
		return NewTaskBoardStrategy(HistoryProcessingOptions{})
	default:
		return NewPassthroughStrategy()
	}
}
