package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Summary messages are ordinary system messages carrying these metadata
// markers, so they survive any store without schema support.
const (
	SummaryMetadataKey = "stakpak_summary"
	SummaryVersionKey  = "summary_version"
	CoversUntilKey     = "covers_until"
)

// SummarizationConfig bounds when and how conversations get summarized.
type SummarizationConfig struct {
	// MaxMsgsBeforeSummary triggers a new summary once more than this
	// many messages accumulate past the last one. Default 30.
	MaxMsgsBeforeSummary int

	// KeepRecentMessages stay un-summarized. Default 10.
	KeepRecentMessages int

	// MaxSummaryLength is the target summary size in characters.
	// Default 2000.
	MaxSummaryLength int
}

// DefaultSummarizationConfig returns the default bounds.
func DefaultSummarizationConfig() SummarizationConfig {
	return SummarizationConfig{
		MaxMsgsBeforeSummary: 30,
		KeepRecentMessages:   10,
		MaxSummaryLength:     2000,
	}
}

// SummaryProvider generates summaries; the runtime injects an LLM-backed
// one, tests inject a fake.
type SummaryProvider interface {
	Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error)
}

// Summarizer folds old history into summary messages.
type Summarizer struct {
	provider SummaryProvider
	config   SummarizationConfig
}

// NewSummarizer creates a summarizer, filling zero config fields with the
// defaults.
func NewSummarizer(provider SummaryProvider, config SummarizationConfig) *Summarizer {
	defaults := DefaultSummarizationConfig()
	if config.MaxMsgsBeforeSummary <= 0 {
		config.MaxMsgsBeforeSummary = defaults.MaxMsgsBeforeSummary
	}
	if config.KeepRecentMessages <= 0 {
		config.KeepRecentMessages = defaults.KeepRecentMessages
	}
	if config.MaxSummaryLength <= 0 {
		config.MaxSummaryLength = defaults.MaxSummaryLength
	}
	return &Summarizer{provider: provider, config: config}
}

// ShouldSummarize reports whether enough history has accumulated past the
// current summary.
func (s *Summarizer) ShouldSummarize(history []*models.Message, currentSummary *models.Message) bool {
	return len(MessagesSinceSummary(history, currentSummary)) > s.config.MaxMsgsBeforeSummary
}

// Summarize produces a new summary message covering the older history, or
// nil when none is needed yet.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, history []*models.Message, currentSummary *models.Message) (*models.Message, error) {
	if !s.ShouldSummarize(history, currentSummary) {
		return nil, nil
	}
	toSummarize := messagesToSummarize(history, currentSummary, s.config.KeepRecentMessages)
	if len(toSummarize) == 0 {
		return nil, nil
	}

	content, err := s.provider.Summarize(ctx, toSummarize, s.config.MaxSummaryLength)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}

	coversUntil := ""
	if last := toSummarize[len(toSummarize)-1]; last != nil {
		coversUntil = last.ID
	}
	return &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleSystem,
		Content:   content,
		Metadata: map[string]any{
			SummaryMetadataKey: true,
			SummaryVersionKey:  1,
			CoversUntilKey:     coversUntil,
		},
		CreatedAt: time.Now(),
	}, nil
}

func isSummaryMessage(msg *models.Message) bool {
	if msg == nil || msg.Metadata == nil {
		return false
	}
	flagged, _ := msg.Metadata[SummaryMetadataKey].(bool)
	return flagged
}

// FindLatestSummary returns the most recent summary in history, nil when
// none exists.
func FindLatestSummary(history []*models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		if isSummaryMessage(history[i]) {
			return history[i]
		}
	}
	return nil
}

// MessagesSinceSummary returns the history after the given summary; a nil
// or unknown summary yields everything.
func MessagesSinceSummary(history []*models.Message, summary *models.Message) []*models.Message {
	if summary == nil {
		return history
	}
	for i, msg := range history {
		if msg != nil && msg.ID == summary.ID {
			return history[i+1:]
		}
	}
	return history
}

// messagesToSummarize is the older, non-summary slice of the history: the
// most recent keepRecent messages stay verbatim.
func messagesToSummarize(history []*models.Message, summary *models.Message, keepRecent int) []*models.Message {
	since := MessagesSinceSummary(history, summary)
	filtered := make([]*models.Message, 0, len(since))
	for _, msg := range since {
		if !isSummaryMessage(msg) {
			filtered = append(filtered, msg)
		}
	}
	if len(filtered) <= keepRecent {
		return nil
	}
	return filtered[:len(filtered)-keepRecent]
}

// BuildSummarizationPrompt renders the conversation into the prompt the
// LLM-backed provider sends.
func BuildSummarizationPrompt(messages []*models.Message, maxLength int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Please summarize the following conversation concisely, under %d characters. Focus on:\n", maxLength)
	b.WriteString("- Key topics discussed\n")
	b.WriteString("- Decisions and conclusions\n")
	b.WriteString("- Pending tasks or questions\n")
	b.WriteString("- Tool executions and their outcomes\n\nConversation:\n\n")

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s", msg.Role, msg.Content)
		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&b, "\n  [Called tool: %s]", call.Name)
		}
		for _, result := range msg.ToolResults {
			content := result.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			status := "success"
			if result.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "\n  [Tool result (%s): %s]", status, content)
		}
		b.WriteString("\n\n")
	}
	b.WriteString("---\nProvide a concise summary:")
	return b.String()
}
