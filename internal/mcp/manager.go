package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownTool indicates no connected server advertises the tool.
var ErrUnknownTool = errors.New("unknown tool")

// RegisteredTool pairs an advertised tool with the connection that
// provides it. The manager holds non-owning references; the connection
// owns its subprocess resources.
type RegisteredTool struct {
	Tool       *Tool
	ServerName string
}

// Manager owns the set of tool server connections and maps tool names
// to the connection that advertises them.
type Manager struct {
	configs []*ServerConfig
	logger  *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	tools map[string]*RegisteredTool
}

// NewManager creates a manager for the given server configurations.
func NewManager(configs []*ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: configs,
		logger:  logger.With("component", "mcp"),
		conns:   make(map[string]*Connection),
		tools:   make(map[string]*RegisteredTool),
	}
}

// Start validates and connects every configured server and indexes the
// discovered tools. A server that fails to connect is logged and
// skipped; the remaining servers still come up.
func (m *Manager) Start(ctx context.Context) error {
	for _, cfg := range m.configs {
		if err := cfg.Validate(); err != nil {
			m.logger.Error("invalid tool server config", "server", cfg.Name, "error", err)
			continue
		}
		if err := m.connect(ctx, cfg); err != nil {
			m.logger.Error("failed to connect tool server", "server", cfg.Name, "error", err)
		}
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, cfg *ServerConfig) error {
	m.mu.RLock()
	_, exists := m.conns[cfg.Name]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	conn := NewConnection(cfg, m.logger)
	if err := conn.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.conns[cfg.Name] = conn
	for _, tool := range conn.Tools() {
		if prev, dup := m.tools[tool.Name]; dup {
			m.logger.Warn("duplicate tool name, keeping earlier registration",
				"tool", tool.Name,
				"kept", prev.ServerName,
				"ignored", cfg.Name)
			continue
		}
		m.tools[tool.Name] = &RegisteredTool{Tool: tool, ServerName: cfg.Name}
	}
	m.mu.Unlock()
	return nil
}

// register indexes an already-connected connection. Used by tests to
// install connections backed by in-process pipes.
func (m *Manager) register(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ServerName()] = conn
	for _, tool := range conn.Tools() {
		if _, dup := m.tools[tool.Name]; !dup {
			m.tools[tool.Name] = &RegisteredTool{Tool: tool, ServerName: conn.ServerName()}
		}
	}
}

// Resolve maps a tool name to its registration.
func (m *Manager) Resolve(toolName string) (*RegisteredTool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.tools[toolName]
	return reg, ok
}

// CallTool routes a tool call to the connection that advertises the
// tool.
func (m *Manager) CallTool(ctx context.Context, toolName string, arguments json.RawMessage, timeout time.Duration) (*ToolCallResult, error) {
	m.mu.RLock()
	reg, ok := m.tools[toolName]
	var conn *Connection
	if ok {
		conn = m.conns[reg.ServerName]
	}
	m.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("%s: %w", toolName, ErrUnknownTool)
	}
	return conn.CallTool(ctx, toolName, arguments, timeout)
}

// Tools returns every registered tool across all connections.
func (m *Manager) Tools() []*RegisteredTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RegisteredTool, 0, len(m.tools))
	for _, reg := range m.tools {
		out = append(out, reg)
	}
	return out
}

// Connection returns the connection for a server name.
func (m *Manager) Connection(serverName string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[serverName]
	return conn, ok
}

// Stop closes every connection and clears the tool index.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, conn := range m.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
		delete(m.conns, name)
	}
	m.tools = make(map[string]*RegisteredTool)
	return firstErr
}
