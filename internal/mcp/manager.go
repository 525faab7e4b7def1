package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// ServerConfig describes one MCP server entry in the config file.
type ServerConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled,omitempty"` // nil = enabled
}

// Config is the MCP servers config file shape.
type Config struct {
	Servers []ServerConfig `json:"servers"`
}

// LoadConfig reads the MCP servers JSON file. A missing path yields an empty
// config so the gateway runs without MCP.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read MCP config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse MCP config %s: %w", path, err)
	}

	return &cfg, nil
}

// FederatedTool is an MCP tool with its collision-safe gateway name
// ("<server>_<tool>").
type FederatedTool struct {
	Server string
	Name   string
	Tool   Tool
}

// connector dials one MCP server. Swappable in tests.
type connector func(ctx context.Context, baseURL string) (*Client, error)

// Manager owns the connected MCP servers and the federated tool snapshot.
// Reads are frequent (every proxied request); writes happen only on reload,
// which swaps the snapshot under the writer lock.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	tools   []FederatedTool

	connect connector
}

func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		connect: NewClient,
	}
}

// Reload connects the configured servers and rebuilds the tool snapshot.
// A server that fails to connect or enumerate only loses its own tools.
func (m *Manager) Reload(ctx context.Context, cfg *Config) error {
	clients := make(map[string]*Client)
	var tools []FederatedTool

	for _, sc := range cfg.Servers {
		if sc.Enabled != nil && !*sc.Enabled {
			continue
		}
		if sc.Name == "" || sc.URL == "" {
			slog.Warn("skipping MCP server with missing name or url", "name", sc.Name)
			continue
		}

		client, err := m.connect(ctx, sc.URL)
		if err != nil {
			slog.Error("MCP server connect failed, omitting its tools", "server", sc.Name, "error", err)
			continue
		}

		serverTools, err := client.ListTools(ctx)
		if err != nil {
			slog.Error("MCP tool enumeration failed, omitting server", "server", sc.Name, "error", err)
			client.Close()
			continue
		}

		clients[sc.Name] = client
		for _, tool := range serverTools {
			tools = append(tools, FederatedTool{
				Server: sc.Name,
				Name:   sc.Name + "_" + tool.Name,
				Tool:   tool,
			})
		}

		slog.Info("MCP server connected", "server", sc.Name, "tools", len(serverTools))
	}

	m.mu.Lock()
	old := m.clients
	m.clients = clients
	m.tools = tools
	m.mu.Unlock()

	// Every reload opens fresh sessions; the old ones are all retired.
	for _, c := range old {
		c.Close()
	}

	return nil
}

// Tools returns the current federated tool snapshot. The returned slice is
// shared; callers must not mutate it.
func (m *Manager) Tools() []FederatedTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tools
}

// Servers returns the names of connected servers, for status reporting.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// CallTool routes a federated tool call to its owning server.
func (m *Manager) CallTool(ctx context.Context, server, name string, args map[string]any) (string, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("MCP server %q not connected", server)
	}

	return client.CallTool(ctx, name, args)
}

// Close disconnects all servers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.clients {
		c.Close()
	}
	m.clients = make(map[string]*Client)
	m.tools = nil
}
