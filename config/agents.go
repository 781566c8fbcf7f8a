package config

import (
	"fmt"
	"os"
	"os/exec"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/paths"
)

// AgentConfig describes one launchable agent from agents.yaml.
type AgentConfig struct {
	ID      string            `yaml:"id"`             // Unique identifier, referenced by default_agent
	Name    string            `yaml:"name,omitempty"` // Display name, falls back to ID
	Command string            `yaml:"command"`        // Executable spawned for the connection
	Args    []string          `yaml:"args,omitempty"` // Arguments passed to the command
	Env     map[string]string `yaml:"env,omitempty"`  // Extra environment for the process
	Cwd     string            `yaml:"cwd,omitempty"`  // Working directory, empty means inherit
}

// DisplayName returns the human-facing name for the agent.
func (a AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Validate checks that the entry can be launched at all.
func (a AgentConfig) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent with empty id found")
	}
	if a.Command == "" {
		return fmt.Errorf("agent %s has empty command", a.ID)
	}
	return nil
}

// Resolve locates the agent's executable on PATH. Called before a
// connection spawns so a missing binary surfaces as a clear error
// instead of a dead subprocess.
func (a AgentConfig) Resolve() (string, error) {
	resolved, err := exec.LookPath(a.Command)
	if err != nil {
		return "", fmt.Errorf("agent %s: command %q not found: %w", a.ID, a.Command, err)
	}
	return resolved, nil
}

// Environ returns the entry's env as KEY=VALUE pairs sorted by key,
// ready to append to the parent environment.
func (a AgentConfig) Environ() []string {
	keys := make([]string, 0, len(a.Env))
	for key := range a.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+a.Env[key])
	}
	return pairs
}

// Catalog is the merged agent list: user entries from agents.yaml in
// file order, then the built-ins they did not override.
type Catalog struct {
	Agents []AgentConfig
}

// Get returns the agent with the given id.
func (c *Catalog) Get(id string) (AgentConfig, error) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, nil
		}
	}
	return AgentConfig{}, &acp.NotFoundError{Kind: "agent", Key: id}
}

// Default returns the preferred agent when it exists, otherwise the
// first catalog entry.
func (c *Catalog) Default(preferred string) AgentConfig {
	if preferred != "" {
		if a, err := c.Get(preferred); err == nil {
			return a
		}
	}
	if len(c.Agents) == 0 {
		return AgentConfig{}
	}
	return c.Agents[0]
}

// agentsFile is the on-disk shape of agents.yaml.
type agentsFile struct {
	Agents []AgentConfig `yaml:"agents"`
}

// LoadAgents reads agents.yaml and merges the built-in defaults under
// it. A missing file yields the built-ins alone.
func LoadAgents() (*Catalog, error) {
	path, err := paths.AgentsFilePath()
	if err != nil {
		return nil, err
	}
	return loadAgentsFrom(path)
}

func loadAgentsFrom(path string) (*Catalog, error) {
	var file agentsFile

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	seen := make(map[string]bool)
	var agents []AgentConfig
	for _, a := range file.Agents {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("%s: duplicate agent id %q", path, a.ID)
		}
		seen[a.ID] = true
		agents = append(agents, a)
	}

	for _, a := range builtinAgents() {
		if !seen[a.ID] {
			agents = append(agents, a)
		}
	}

	return &Catalog{Agents: agents}, nil
}

// builtinAgents ship with the client. A user entry with a matching id
// replaces the built-in wholesale rather than merging field by field.
func builtinAgents() []AgentConfig {
	return []AgentConfig{
		{ID: "claude-code", Name: "Claude Code", Command: "claude-code-acp"},
		{ID: "gemini", Name: "Gemini CLI", Command: "gemini", Args: []string{"--experimental-acp"}},
		{ID: "codex", Name: "Codex", Command: "codex-acp"},
	}
}
