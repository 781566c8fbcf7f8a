// Package workspace constrains agent-initiated file and terminal access
// to the roots the user has opened.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zhubert/relay-core/acp"
)

// Gate validates paths against the workspace roots and the protected
// glob patterns. A gate with no roots treats the workspace as untrusted
// and rejects everything.
type Gate struct {
	mu        sync.RWMutex
	roots     []string
	protected []string
}

// NewGate builds a gate over the given roots. Non-absolute roots are
// rejected; protected patterns use doublestar globs matched against the
// full cleaned path.
func NewGate(roots []string, protected []string) (*Gate, error) {
	g := &Gate{protected: protected}
	for _, r := range roots {
		if err := g.AddRoot(r); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddRoot admits another root, typically the cwd of a newly created
// session. Duplicates are ignored.
func (g *Gate) AddRoot(root string) error {
	if !filepath.IsAbs(root) {
		return fmt.Errorf("workspace root must be absolute: %s", root)
	}
	clean := filepath.Clean(root)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.roots {
		if r == clean {
			return nil
		}
	}
	g.roots = append(g.roots, clean)
	return nil
}

// Roots returns a copy of the admitted roots.
func (g *Gate) Roots() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.roots))
	copy(out, g.roots)
	return out
}

// Trusted reports whether any root is admitted.
func (g *Gate) Trusted() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.roots) > 0
}

// Check validates a path for reading. It returns the cleaned absolute
// path, or a ResourceConstraintError when the workspace is untrusted,
// the path is relative, or it resolves outside every root.
func (g *Gate) Check(path string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.roots) == 0 {
		return "", &acp.ResourceConstraintError{Resource: path, Reason: "no trusted workspace root"}
	}
	if !filepath.IsAbs(path) {
		return "", &acp.ResourceConstraintError{Resource: path, Reason: "path must be absolute"}
	}
	clean := filepath.Clean(path)
	for _, root := range g.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return clean, nil
		}
	}
	return "", &acp.ResourceConstraintError{Resource: path, Reason: "outside workspace roots"}
}

// CheckWrite validates a path for modification: everything Check does,
// plus the protected patterns.
func (g *Gate) CheckWrite(path string) (string, error) {
	clean, err := g.Check(path)
	if err != nil {
		return "", err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, pattern := range g.protected {
		match, err := doublestar.PathMatch(pattern, clean)
		if err != nil {
			return "", fmt.Errorf("invalid protected pattern %q: %w", pattern, err)
		}
		if match {
			return "", &acp.ResourceConstraintError{Resource: path, Reason: "protected path"}
		}
	}
	return clean, nil
}
