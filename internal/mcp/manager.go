package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loomhq/loom/pkg/models"
)

// toolPrefix namespaces MCP tools in the model-facing tool list. The wire
// form replaces the ":" of "server:tool" because most providers reject
// colons in function names.
const toolPrefix = "mcp_"

// Manager owns the MCP session table. Sessions are created from the
// registry file at startup; callers address tools as "server:tool".
type Manager struct {
	configPath string
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager builds an empty manager reading specs from configPath.
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		logger:     slog.Default().With("component", "mcp"),
		clients:    make(map[string]*Client),
	}
}

// Start loads the registry and connects every enabled server. A server that
// fails to connect is logged and skipped; the rest still come up.
func (m *Manager) Start(ctx context.Context) error {
	file, err := LoadFile(m.configPath)
	if err != nil {
		return err
	}

	specs := file.EnabledSpecs()
	if len(specs) > file.Settings.MaxConnections {
		m.logger.Warn("enabled servers exceed max_connections, truncating",
			"enabled", len(specs), "max", file.Settings.MaxConnections)
		specs = specs[:file.Settings.MaxConnections]
	}

	for _, spec := range specs {
		client := NewClient(spec)
		if err := client.Connect(ctx); err != nil {
			m.logger.Error("MCP server failed to connect", "server", spec.Name, "error", err)
			continue
		}
		m.mu.Lock()
		m.clients[spec.Name] = client
		m.mu.Unlock()
		m.logger.Info("MCP server connected", "server", spec.Name, "tools", len(client.Tools()))
	}
	return nil
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for name, client := range clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("MCP server close failed", "server", name, "error", err)
		}
	}
}

// client looks up one session by server name.
func (m *Manager) client(server string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[server]
	return c, ok
}

// Servers returns the connected server names in registration order.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// CallTool invokes "server:tool". An unknown key after one registry refresh
// returns the failure shape rather than an error.
func (m *Manager) CallTool(ctx context.Context, key string, args map[string]any) map[string]any {
	server, tool, ok := splitKey(key)
	if !ok {
		return map[string]any{"success": false, "error": fmt.Sprintf("invalid tool key: %q, want server:tool", key)}
	}
	client, ok := m.client(server)
	if !ok {
		return map[string]any{"success": false, "error": fmt.Sprintf("unknown MCP server: %s", server)}
	}
	return client.CallTool(ctx, tool, args)
}

// ReadResource fetches "server:uri".
func (m *Manager) ReadResource(ctx context.Context, server, uri string) map[string]any {
	client, ok := m.client(server)
	if !ok {
		return map[string]any{"success": false, "error": fmt.Sprintf("unknown MCP server: %s", server)}
	}
	return client.ReadResource(ctx, uri)
}

// ToolDefinitions flattens every session's registry into model-facing tool
// definitions named mcp_<server>_<tool>.
func (m *Manager) ToolDefinitions() []models.ToolDefinition {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	var defs []models.ToolDefinition
	for _, client := range clients {
		for _, tool := range client.Tools() {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			defs = append(defs, models.ToolDefinition{
				Name:        WireName(client.Name(), tool.Name),
				Description: fmt.Sprintf("[%s] %s", client.Name(), tool.Description),
				Parameters:  schema,
			})
		}
	}
	return defs
}

// Status reports each session's health and capability set.
func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	servers := make(map[string]any, len(m.clients))
	for name, client := range m.clients {
		servers[name] = map[string]any{
			"connected": client.Connected(),
			"tools":     len(client.Tools()),
			"resources": len(client.Resources()),
			"methods":   client.SupportedMethods(),
		}
	}
	return map[string]any{
		"enabled": true,
		"servers": servers,
	}
}

// WireName converts "server", "tool" to the model-facing function name.
func WireName(server, tool string) string {
	return toolPrefix + server + "_" + tool
}

// IsWireName reports whether a function name addresses an MCP tool.
func IsWireName(name string) bool {
	return strings.HasPrefix(name, toolPrefix)
}

// RestoreKey converts a wire name back to "server:tool". Only the first
// underscore after the prefix separates server from tool; tool names keep
// their own underscores.
func RestoreKey(wireName string) (string, bool) {
	rest, ok := strings.CutPrefix(wireName, toolPrefix)
	if !ok {
		return "", false
	}
	server, tool, found := strings.Cut(rest, "_")
	if !found || server == "" || tool == "" {
		return "", false
	}
	return server + ":" + tool, true
}

func splitKey(key string) (server, tool string, ok bool) {
	server, tool, found := strings.Cut(key, ":")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
