package gateway

import "strings"

// ChunkText splits text into pieces no longer than limit runes, preferring
// paragraph, newline, then space boundaries, and never splitting inside a
// fenced (```) code block. A fenced block longer than limit is emitted as
// its own chunk regardless of length. Returns nil for empty input or a zero
// limit.
func ChunkText(text string, limit int) []string {
	if text == "" || limit == 0 {
		return nil
	}

	segments := splitByFencedCode(text)
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, seg := range segments {
		if seg.fenced {
			flush()
			chunks = append(chunks, seg.text)
			continue
		}

		for _, piece := range splitPlainSegment(seg.text, limit) {
			if current.Len() == 0 {
				current.WriteString(piece)
				continue
			}
			if runeLen(current.String())+runeLen(piece) <= limit {
				current.WriteString(piece)
			} else {
				flush()
				current.WriteString(piece)
			}
		}
	}

	flush()
	return chunks
}

type chunkSegment struct {
	text   string
	fenced bool
}

func splitByFencedCode(text string) []chunkSegment {
	var segments []chunkSegment
	var current strings.Builder
	inFence := false

	for _, line := range splitInclusive(text, '\n') {
		trimmed := strings.TrimLeft(line, " \t")
		isFenceLine := strings.HasPrefix(trimmed, "```")

		if isFenceLine {
			if inFence {
				current.WriteString(line)
				segments = append(segments, chunkSegment{text: current.String(), fenced: true})
				current.Reset()
				inFence = false
			} else {
				if current.Len() > 0 {
					segments = append(segments, chunkSegment{text: current.String(), fenced: false})
					current.Reset()
				}
				current.WriteString(line)
				inFence = true
			}
		} else {
			current.WriteString(line)
		}
	}

	if current.Len() > 0 {
		segments = append(segments, chunkSegment{text: current.String(), fenced: inFence})
	}

	return segments
}

// splitInclusive splits s on sep, keeping sep at the end of each piece
// except possibly the last, mirroring Rust's str::split_inclusive.
func splitInclusive(s string, sep byte) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func splitPlainSegment(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if runeLen(text) <= limit {
		return []string{text}
	}

	remaining := text
	var chunks []string

	for runeLen(remaining) > limit {
		splitAt := findPreferredSplit(remaining, limit)
		if splitAt < 0 {
			splitAt = findCharBoundaryAtOrBefore(remaining, limit)
		}
		if splitAt < 0 || splitAt > len(remaining) {
			splitAt = len(remaining)
		}

		head := remaining[:splitAt]
		tail := remaining[splitAt:]

		if head != "" {
			chunks = append(chunks, head)
		}
		remaining = tail
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}

	return chunks
}

func findPreferredSplit(text string, limitChars int) int {
	prefix := prefixByChars(text, limitChars)

	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(prefix, sep); idx >= 0 {
			candidate := idx + len(sep)
			if candidate > 0 {
				return candidate
			}
		}
	}
	return -1
}

func prefixByChars(text string, maxChars int) string {
	if runeLen(text) <= maxChars {
		return text
	}
	count := 0
	for i := range text {
		if count == maxChars {
			return text[:i]
		}
		count++
	}
	return text
}

func findCharBoundaryAtOrBefore(text string, limitChars int) int {
	if limitChars == 0 {
		return 0
	}
	count := 0
	for i := range text {
		if count == limitChars {
			return i
		}
		count++
	}
	if text == "" {
		return -1
	}
	return len(text)
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}
