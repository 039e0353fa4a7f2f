package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeWorkspaceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func TestViewToolRange(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "notes.txt", "one\ntwo\nthree\nfour")

	tool := NewViewTool(Config{Workspace: dir})
	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path":       "notes.txt",
		"view_range": []int{2, 3},
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !strings.Contains(result.Content, "2\ttwo") || !strings.Contains(result.Content, "3\tthree") {
		t.Errorf("content = %q", result.Content)
	}
	if strings.Contains(result.Content, "one") || strings.Contains(result.Content, "four") {
		t.Errorf("range leaked surrounding lines: %q", result.Content)
	}
}

func TestViewToolOpenEndedRange(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "notes.txt", "a\nb\nc")

	tool := NewViewTool(Config{Workspace: dir})
	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path":       "notes.txt",
		"view_range": []int{2, -1},
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	if strings.Contains(result.Content, "1\ta") {
		t.Errorf("open-ended range should skip line 1: %q", result.Content)
	}
}

func TestStrReplaceTool(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkspaceFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	tool := NewStrReplaceTool(Config{Workspace: dir})
	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path":    "main.go",
		"old_str": "func main() {}",
		"new_str": "func main() { run() }",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "run()") {
		t.Errorf("file = %q", data)
	}
}

func TestStrReplaceToolMissingAndAmbiguous(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "dup.txt", "x\nx\n")

	tool := NewStrReplaceTool(Config{Workspace: dir})

	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "dup.txt", "old_str": "missing", "new_str": "y",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "not found") {
		t.Errorf("missing: result = %+v", result)
	}

	result, err = tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "dup.txt", "old_str": "x", "new_str": "y",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "times") {
		t.Errorf("ambiguous: result = %+v", result)
	}

	// Neither failure may have modified the file.
	data, _ := os.ReadFile(filepath.Join(dir, "dup.txt"))
	if string(data) != "x\nx\n" {
		t.Errorf("file changed on failed replace: %q", data)
	}
}

func TestCreateTool(t *testing.T) {
	dir := t.TempDir()
	tool := NewCreateTool(Config{Workspace: dir})

	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "sub/new.txt", "file_text": "hello",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	if err != nil {
		t.Fatalf("created file unreadable: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}

	// No stray temp files left behind.
	entries, _ := os.ReadDir(filepath.Join(dir, "sub"))
	if len(entries) != 1 {
		t.Errorf("expected 1 file in dir, found %d", len(entries))
	}
}

func TestInsertTool(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "list.txt", "first\nthird")

	tool := NewInsertTool(Config{Workspace: dir})
	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "list.txt", "insert_line": 1, "new_str": "second",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "list.txt"))
	if string(data) != "first\nsecond\nthird" {
		t.Errorf("file = %q", data)
	}
}

func TestInsertToolAtTopAndPastEnd(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "list.txt", "b")

	tool := NewInsertTool(Config{Workspace: dir})
	if result, _ := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "list.txt", "insert_line": 0, "new_str": "a",
	})); result.IsError {
		t.Fatalf("insert at top failed: %s", result.Content)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "list.txt"))
	if string(data) != "a\nb" {
		t.Errorf("file = %q", data)
	}

	result, _ := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "list.txt", "insert_line": 99, "new_str": "z",
	}))
	if !result.IsError {
		t.Error("insert past end should fail")
	}
}

func TestEditorToolsRejectEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	tool := NewCreateTool(Config{Workspace: dir})

	result, err := tool.Execute(context.Background(), mustParams(t, map[string]any{
		"path": "../outside.txt", "file_text": "nope",
	}))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.IsError {
		t.Error("path escaping the workspace must be rejected")
	}
}
