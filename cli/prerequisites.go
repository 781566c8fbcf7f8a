// Package cli verifies that configured agent commands are installed
// before a connection tries to spawn them.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/zhubert/relay-core/config"
)

// CheckResult reports the availability of one agent's command.
type CheckResult struct {
	Agent   config.AgentConfig
	Found   bool
	Path    string // Path to the executable if found
	Version string // Version string if available
	Error   error
}

// versionProbeTimeout bounds each version query so an unresponsive
// binary cannot stall startup checks.
const versionProbeTimeout = 5 * time.Second

// Check verifies that an agent's command is available in PATH.
func Check(agent config.AgentConfig) CheckResult {
	result := CheckResult{Agent: agent}

	path, err := agent.Resolve()
	if err != nil {
		result.Error = err
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = probeVersion(agent.Command)
	return result
}

// CheckAll verifies every agent in the catalog.
func CheckAll(catalog config.Catalog) []CheckResult {
	results := make([]CheckResult, len(catalog.Agents))
	for i, agent := range catalog.Agents {
		results[i] = Check(agent)
	}
	return results
}

// Available returns the ids of the catalog agents whose commands
// resolved.
func Available(catalog config.Catalog) []string {
	var ids []string
	for _, r := range CheckAll(catalog) {
		if r.Found {
			ids = append(ids, r.Agent.ID)
		}
	}
	return ids
}

// probeVersion attempts to read a tool's version string.
func probeVersion(name string) string {
	// Different tools use different version flags
	versionFlags := []string{"--version", "-v", "version"}

	for _, flag := range versionFlags {
		ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
		output, err := exec.CommandContext(ctx, name, flag).Output()
		cancel()
		if err != nil {
			continue
		}

		line, _, _ := strings.Cut(string(output), "\n")
		line = strings.TrimSpace(line)
		if len(line) > 100 {
			line = line[:100] + "..."
		}
		if line != "" {
			return line
		}
	}
	return ""
}

// FormatCheckResults formats check results for display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Agent commands:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			status = "✗"
		}

		sb.WriteString(fmt.Sprintf("  %s %s [%s]", status, r.Agent.DisplayName(), r.Agent.Command))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			sb.WriteString(" (not installed)")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
