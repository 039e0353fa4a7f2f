// Package context knows how large each model's context window is, so the
// runtime can size its history reduction to the model actually in use.
package context

import "strings"

// DefaultContextWindow is assumed for unknown models.
const DefaultContextWindow = 128000

// TokensPerChar converts characters to a conservative token estimate.
const TokensPerChar = 0.25

// modelWindows maps model-id fragments to context window sizes. Lookup is
// by longest matching fragment, so versioned ids ("claude-sonnet-4-...")
// resolve without enumerating every release.
var modelWindows = map[string]int{
	"claude":           200000,
	"gpt-4o":           128000,
	"gpt-4.1":          1000000,
	"gpt-4":            128000,
	"o1":               200000,
	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
	"gemini":           1048576,
	"llama":            128000,
}

// GetModelContextWindow reports the context window for a model id, and
// whether the model was recognized.
func GetModelContextWindow(model string) (int, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return DefaultContextWindow, false
	}

	best := 0
	window := 0
	for fragment, size := range modelWindows {
		if strings.Contains(model, fragment) && len(fragment) > best {
			best = len(fragment)
			window = size
		}
	}
	if best == 0 {
		return DefaultContextWindow, false
	}
	return window, true
}

// EstimateTokens converts a character count to tokens.
func EstimateTokens(chars int) int {
	return int(float64(chars) * TokensPerChar)
}
