// Package config holds the client's persisted settings and the agent
// catalog. Settings live in config.json; the launchable agents live in
// agents.yaml so new agents can be added without a rebuild.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/paths"
)

// DefaultTerminalOutputLimit caps retained terminal output when
// config.json does not set terminal_output_limit.
const DefaultTerminalOutputLimit = 1 << 20

// DefaultProtectedPatterns returns the write-protected globs applied
// when config.json does not set protected_patterns at all. An explicit
// empty list in the file disables protection.
func DefaultProtectedPatterns() []string {
	return []string{
		"**/.git/**",
		"**/.ssh/**",
		"**/*.pem",
		"**/.env",
		"**/.env.*",
	}
}

// Config holds the application configuration
type Config struct {
	DefaultAgent        string      `json:"default_agent,omitempty"`         // Agent id picked when none is specified
	ProtectedPatterns   []string    `json:"protected_patterns"`              // Globs the agent may never write; empty list disables protection
	TerminalOutputLimit int         `json:"terminal_output_limit,omitempty"` // Retained bytes per terminal (default 1 MiB)
	Debug               bool        `json:"debug,omitempty"`                 // Tee every wire frame to the log directory
	MCPServers          []MCPServer `json:"mcp_servers,omitempty"`           // Tool servers passed through to agents

	mu       sync.RWMutex
	filePath string
}

// MCPServer is a tool server entry handed to the agent on session
// creation. The client never speaks to these servers itself.
type MCPServer struct {
	Name    string            `json:"name"`    // Unique identifier for the server
	Command string            `json:"command"` // Executable command (e.g., "npx", "node")
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Wire converts the entry to its protocol form. Env vars are sorted by
// name so session payloads are deterministic.
func (s MCPServer) Wire() acp.MCPServer {
	out := acp.MCPServer{
		Name:    s.Name,
		Command: s.Command,
		Args:    append([]string(nil), s.Args...),
	}
	names := make([]string, 0, len(s.Env))
	for name := range s.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Env = append(out.Env, acp.EnvVariable{Name: name, Value: s.Env[name]})
	}
	return out
}

// Load reads the config from disk, or returns defaults if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.ensureInitialized()
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Ensure slices are initialized (not nil) after unmarshaling.
	// This must happen before Validate() since Validate() only reads.
	cfg.ensureInitialized()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ensureInitialized fills in defaults for fields absent from the file.
// A present-but-empty protected_patterns list is kept empty; only a
// missing key falls back to DefaultProtectedPatterns.
//
// Thread-safety: NOT thread-safe, call only from Load() before the
// Config is shared across goroutines.
func (c *Config) ensureInitialized() {
	if c.ProtectedPatterns == nil {
		c.ProtectedPatterns = DefaultProtectedPatterns()
	}
	if c.MCPServers == nil {
		c.MCPServers = []MCPServer{}
	}
}

// Validate checks that the config is internally consistent.
// This is a read-only operation - call ensureInitialized() first if needed.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.TerminalOutputLimit < 0 {
		return fmt.Errorf("terminal_output_limit must not be negative: %d", c.TerminalOutputLimit)
	}

	for _, pattern := range c.ProtectedPatterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid protected pattern: %q", pattern)
		}
	}

	seenNames := make(map[string]bool)
	for _, server := range c.MCPServers {
		if server.Name == "" {
			return fmt.Errorf("mcp server with empty name found")
		}
		if seenNames[server.Name] {
			return fmt.Errorf("duplicate mcp server name: %s", server.Name)
		}
		seenNames[server.Name] = true
		if server.Command == "" {
			return fmt.Errorf("mcp server %s has empty command", server.Name)
		}
	}

	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetDefaultAgent returns the configured default agent id, which may be
// empty when the user never picked one.
func (c *Config) GetDefaultAgent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DefaultAgent
}

// SetDefaultAgent records the agent id to use when none is specified.
func (c *Config) SetDefaultAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DefaultAgent = id
}

// GetProtectedPatterns returns a copy of the write-protected globs.
func (c *Config) GetProtectedPatterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	patterns := make([]string, len(c.ProtectedPatterns))
	copy(patterns, c.ProtectedPatterns)
	return patterns
}

// SetProtectedPatterns replaces the write-protected globs.
func (c *Config) SetProtectedPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid protected pattern: %q", pattern)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProtectedPatterns = append([]string{}, patterns...)
	return nil
}

// GetTerminalOutputLimit returns the retained-bytes cap per terminal,
// falling back to DefaultTerminalOutputLimit when unset.
func (c *Config) GetTerminalOutputLimit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.TerminalOutputLimit <= 0 {
		return DefaultTerminalOutputLimit
	}
	return c.TerminalOutputLimit
}

// GetDebug reports whether wire-frame logging is enabled.
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug toggles wire-frame logging for subsequent connections.
func (c *Config) SetDebug(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = enabled
}

// AddMCPServer adds a tool server entry (returns false if name already exists)
func (c *Config) AddMCPServer(server MCPServer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.MCPServers {
		if s.Name == server.Name {
			return false
		}
	}
	c.MCPServers = append(c.MCPServers, server)
	return true
}

// RemoveMCPServer removes a tool server entry by name
func (c *Config) RemoveMCPServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.MCPServers {
		if s.Name == name {
			c.MCPServers = append(c.MCPServers[:i], c.MCPServers[i+1:]...)
			return true
		}
	}
	return false
}

// GetMCPServers returns a copy of the tool server entries.
func (c *Config) GetMCPServers() []MCPServer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]MCPServer, len(c.MCPServers))
	copy(servers, c.MCPServers)
	return servers
}

// WireMCPServers returns the tool server entries in protocol form,
// ready to hand to session creation.
func (c *Config) WireMCPServers() []acp.MCPServer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	servers := make([]acp.MCPServer, 0, len(c.MCPServers))
	for _, s := range c.MCPServers {
		servers = append(servers, s.Wire())
	}
	return servers
}
