package mcp

import (
	"context"
	"encoding/json"
	"testing"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid", ServerConfig{ID: "fs", Command: "/usr/bin/mcp-fs"}, false},
		{"missing id", ServerConfig{Command: "/usr/bin/mcp-fs"}, true},
		{"missing command", ServerConfig{ID: "fs"}, true},
		{"shell metachars in command", ServerConfig{ID: "fs", Command: "mcp-fs; rm -rf /"}, true},
		{"command substitution in arg", ServerConfig{ID: "fs", Command: "mcp-fs", Args: []string{"$(whoami)"}}, true},
		{"plain args ok", ServerConfig{ID: "fs", Command: "mcp-fs", Args: []string{"--root", "/srv"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

func TestToolCallResultText(t *testing.T) {
	result := &ToolCallResult{Content: []ToolResultContent{
		{Type: "text", Text: "hello "},
		{Type: "image"},
		{Type: "text", Text: "world"},
	}}
	if got := result.Text(); got != "hello world" {
		t.Errorf("Text() = %q", got)
	}
}

func TestProxyToolNaming(t *testing.T) {
	tool := &proxyTool{
		serverID: "fs",
		tool:     &Tool{Name: "read_file", Description: "Read a file"},
	}
	if got := tool.Name(); got != "mcp_fs_read_file" {
		t.Errorf("Name() = %q", got)
	}
	if tool.Description() != "Read a file" {
		t.Errorf("Description() = %q", tool.Description())
	}
	if string(tool.Schema()) != `{"type":"object"}` {
		t.Errorf("empty schema should default to an object schema, got %s", tool.Schema())
	}
}

func TestProxyToolExecuteUnknownServer(t *testing.T) {
	manager := NewManager(&Config{}, nil)
	tool := &proxyTool{manager: manager, serverID: "ghost", tool: &Tool{Name: "x"}}

	result, err := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned hard error: %v", err)
	}
	if !result.IsError {
		t.Error("unknown server should produce an error result")
	}
}

func TestManagerDisabled(t *testing.T) {
	manager := NewManager(&Config{Enabled: false, Servers: []ServerConfig{{ID: "x", Command: "x"}}}, nil)
	if err := manager.Start(context.Background()); err != nil {
		t.Fatalf("disabled manager should start cleanly: %v", err)
	}
	if len(manager.AgentTools()) != 0 {
		t.Error("disabled manager should expose no tools")
	}
}
