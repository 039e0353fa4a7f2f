package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stakpak-dev/runtime/internal/agent"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

// The editor tools mirror the text-editor tool family LLM providers train
// on: view, str_replace, create, insert. All writes go through
// writeFileAtomic so a crash mid-edit never leaves a half-written file.

// writeFileAtomic writes data to path via a temp file in the same
// directory followed by a rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

// ViewTool shows a file's content with line numbers, optionally limited
// to a 1-based [start, end] line range.
type ViewTool struct {
	resolver Resolver
	maxBytes int
}

// NewViewTool creates a view tool scoped to the workspace.
func NewViewTool(cfg Config) *ViewTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ViewTool{resolver: Resolver{Root: cfg.Workspace}, maxBytes: limit}
}

func (t *ViewTool) Name() string { return "view" }

func (t *ViewTool) Description() string {
	return "View a file's content with line numbers, optionally limited to a line range."
}

func (t *ViewTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"view_range": map[string]interface{}{
				"type":        "array",
				"description": "Optional [start, end] line range, 1-based inclusive. end=-1 means end of file.",
				"items":       map[string]interface{}{"type": "integer"},
				"minItems":    2,
				"maxItems":    2,
			},
		},
		"required": []string{"path"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *ViewTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path      string `json:"path"`
		ViewRange []int  `json:"view_range"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	if len(data) > t.maxBytes {
		data = data[:t.maxBytes]
	}

	lines := strings.Split(string(data), "\n")
	start, end := 1, len(lines)
	if len(input.ViewRange) == 2 {
		start = input.ViewRange[0]
		end = input.ViewRange[1]
		if end == -1 {
			end = len(lines)
		}
		if start < 1 || start > len(lines) || end < start {
			return toolError(fmt.Sprintf("invalid view_range [%d, %d] for %d-line file", input.ViewRange[0], input.ViewRange[1], len(lines))), nil
		}
		if end > len(lines) {
			end = len(lines)
		}
	}

	var out strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&out, "%6d\t%s\n", i, lines[i-1])
	}
	return &agent.ToolResult{Content: out.String()}, nil
}

// StrReplaceTool replaces one exact occurrence of a string in a file.
type StrReplaceTool struct {
	resolver Resolver
}

// NewStrReplaceTool creates a str_replace tool scoped to the workspace.
func NewStrReplaceTool(cfg Config) *StrReplaceTool {
	return &StrReplaceTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *StrReplaceTool) Name() string { return "str_replace" }

func (t *StrReplaceTool) Description() string {
	return "Replace an exact string in a file. Fails if the string is missing or appears more than once."
}

func (t *StrReplaceTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"old_str": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace. Must appear exactly once.",
			},
			"new_str": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text.",
			},
		},
		"required": []string{"path", "old_str", "new_str"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *StrReplaceTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path   string `json:"path"`
		OldStr string `json:"old_str"`
		NewStr string `json:"new_str"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.OldStr == "" {
		return toolError("old_str is required"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	switch count := strings.Count(content, input.OldStr); count {
	case 0:
		return toolError("old_str not found in file"), nil
	case 1:
	default:
		return toolError(fmt.Sprintf("old_str appears %d times; include more context to make it unique", count)), nil
	}

	updated := strings.Replace(content, input.OldStr, input.NewStr, 1)
	if err := writeFileAtomic(resolved, []byte(updated)); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Replaced 1 occurrence in %s", input.Path)}, nil
}

// CreateTool writes a new file (or replaces an existing one) in full.
type CreateTool struct {
	resolver Resolver
}

// NewCreateTool creates a create tool scoped to the workspace.
func NewCreateTool(cfg Config) *CreateTool {
	return &CreateTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *CreateTool) Name() string { return "create" }

func (t *CreateTool) Description() string {
	return "Create a file with the given content, replacing it if it exists."
}

func (t *CreateTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"file_text": map[string]interface{}{
				"type":        "string",
				"description": "Full content of the file.",
			},
		},
		"required": []string{"path", "file_text"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *CreateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path     string `json:"path"`
		FileText string `json:"file_text"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if err := writeFileAtomic(resolved, []byte(input.FileText)); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Created %s (%d bytes)", input.Path, len(input.FileText))}, nil
}

// InsertTool inserts text after a given 1-based line number (0 inserts at
// the top of the file).
type InsertTool struct {
	resolver Resolver
}

// NewInsertTool creates an insert tool scoped to the workspace.
func NewInsertTool(cfg Config) *InsertTool {
	return &InsertTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *InsertTool) Name() string { return "insert" }

func (t *InsertTool) Description() string {
	return "Insert text after the given line number (0 inserts at the top of the file)."
}

func (t *InsertTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"insert_line": map[string]interface{}{
				"type":        "integer",
				"description": "1-based line to insert after; 0 inserts before the first line.",
				"minimum":     0,
			},
			"new_str": map[string]interface{}{
				"type":        "string",
				"description": "Text to insert.",
			},
		},
		"required": []string{"path", "insert_line", "new_str"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *InsertTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Path       string `json:"path"`
		InsertLine int    `json:"insert_line"`
		NewStr     string `json:"new_str"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if input.InsertLine < 0 {
		return toolError("insert_line must be >= 0"), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	lines := strings.Split(string(data), "\n")
	if input.InsertLine > len(lines) {
		return toolError(fmt.Sprintf("insert_line %d is past the end of a %d-line file", input.InsertLine, len(lines))), nil
	}

	inserted := strings.Split(input.NewStr, "\n")
	updated := make([]string, 0, len(lines)+len(inserted))
	updated = append(updated, lines[:input.InsertLine]...)
	updated = append(updated, inserted...)
	updated = append(updated, lines[input.InsertLine:]...)

	if err := writeFileAtomic(resolved, []byte(strings.Join(updated, "\n"))); err != nil {
		return toolError(err.Error()), nil
	}
	return &agent.ToolResult{Content: fmt.Sprintf("Inserted %d line(s) after line %d in %s", len(inserted), input.InsertLine, input.Path)}, nil
}
