package gateway

import (
	"reflect"
	"testing"
)

func TestChunkTextEmptyInputReturnsEmptyChunks(t *testing.T) {
	if chunks := ChunkText("", 10); len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %v", chunks)
	}
}

func TestChunkTextUnderLimitReturnsSingleChunk(t *testing.T) {
	chunks := ChunkText("hello", 10)
	if !reflect.DeepEqual(chunks, []string{"hello"}) {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestChunkTextExactLimitReturnsSingleChunk(t *testing.T) {
	chunks := ChunkText("hello", 5)
	if !reflect.DeepEqual(chunks, []string{"hello"}) {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestChunkTextPrefersParagraphBoundaries(t *testing.T) {
	chunks := ChunkText("alpha\n\nbeta\n\ngamma", 8)
	want := []string{"alpha\n\n", "beta\n\n", "gamma"}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("got %v, want %v", chunks, want)
	}
}

func TestChunkTextFallsBackToSpaceBoundaries(t *testing.T) {
	chunks := ChunkText("alpha beta gamma", 10)
	want := []string{"alpha ", "beta gamma"}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("got %v, want %v", chunks, want)
	}
}

func TestChunkTextHardSplitsWhenNoBreakpointsExist(t *testing.T) {
	chunks := ChunkText("abcdefghij", 3)
	want := []string{"abc", "def", "ghi", "j"}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("got %v, want %v", chunks, want)
	}
}

func TestChunkTextDoesNotSplitInsideCodeFence(t *testing.T) {
	text := "before\n```\nvery long code block\n```\nafter"
	chunks := ChunkText(text, 8)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "before\n" {
		t.Fatalf("unexpected first chunk: %q", chunks[0])
	}
	if chunks[1] != "```\nvery long code block\n```\n" {
		t.Fatalf("unexpected fenced chunk: %q", chunks[1])
	}
	if chunks[2] != "after" {
		t.Fatalf("unexpected last chunk: %q", chunks[2])
	}
}

func TestChunkTextPreservesUnicodeBoundaries(t *testing.T) {
	text := "\U0001F642\U0001F642\U0001F642\U0001F642"
	chunks := ChunkText(text, 3)
	want := []string{"\U0001F642\U0001F642\U0001F642", "\U0001F642"}
	if !reflect.DeepEqual(chunks, want) {
		t.Fatalf("got %v, want %v", chunks, want)
	}
}
