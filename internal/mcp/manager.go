package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stakpak-dev/runtime/internal/agent"
)

// Manager owns the configured MCP clients and demultiplexes tool
// invocations back to the server that advertised the tool.
type Manager struct {
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates a manager over the configured servers.
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]*Client),
	}
}

// Start connects every configured server. A server that fails to connect
// is skipped with a warning; the rest still come up.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	for i := range m.config.Servers {
		cfg := &m.config.Servers[i]
		if err := cfg.Validate(); err != nil {
			m.logger.Warn("invalid MCP server config", "server", cfg.ID, "error", err)
			continue
		}
		client := NewClient(cfg, m.logger)
		if err := client.Connect(ctx); err != nil {
			m.logger.Warn("MCP server unavailable", "server", cfg.ID, "error", err)
			continue
		}
		m.mu.Lock()
		m.clients[cfg.ID] = client
		m.mu.Unlock()
	}
	return nil
}

// Stop closes every connected server.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("close MCP server", "server", id, "error", err)
		}
		delete(m.clients, id)
	}
}

// Client returns the client for a server id.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverID]
	return client, ok
}

// RefreshTools re-discovers tools on every connected server.
func (m *Manager) RefreshTools(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, client := range m.clients {
		if err := client.RefreshTools(ctx); err != nil {
			m.logger.Warn("refresh MCP tools", "server", id, "error", err)
		}
	}
}

// CallTool routes a tool invocation to the named server.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, ok := m.Client(serverID)
	if !ok {
		return nil, fmt.Errorf("MCP server not connected: %s", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// AgentTools wraps every discovered tool as an agent tool, named
// "mcp_<server>_<tool>" so invocations demultiplex back unambiguously.
func (m *Manager) AgentTools() []agent.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []agent.Tool
	for serverID, client := range m.clients {
		for _, tool := range client.Tools() {
			out = append(out, &proxyTool{
				manager:  m,
				serverID: serverID,
				tool:     tool,
			})
		}
	}
	return out
}

// RegisterAgentTools registers every discovered MCP tool into the agent
// runtime's tool registry.
func (m *Manager) RegisterAgentTools(runtime *agent.Runtime) int {
	tools := m.AgentTools()
	for _, tool := range tools {
		runtime.RegisterTool(tool)
	}
	return len(tools)
}

// proxyTool adapts one discovered MCP tool to the agent's Tool contract.
type proxyTool struct {
	manager  *Manager
	serverID string
	tool     *Tool
}

func (p *proxyTool) Name() string {
	return "mcp_" + p.serverID + "_" + p.tool.Name
}

func (p *proxyTool) Description() string {
	if p.tool.Description != "" {
		return p.tool.Description
	}
	return fmt.Sprintf("Tool %s provided by MCP server %s", p.tool.Name, p.serverID)
}

func (p *proxyTool) Schema() json.RawMessage {
	if len(p.tool.InputSchema) > 0 {
		return p.tool.InputSchema
	}
	return json.RawMessage(`{"type":"object"}`)
}

func (p *proxyTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var arguments map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &arguments); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}
	result, err := p.manager.CallTool(ctx, p.serverID, p.tool.Name, arguments)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: result.Text(), IsError: result.IsError}, nil
}
