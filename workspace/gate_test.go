package workspace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/logger"
)

func initTestLogger(t *testing.T) {
	t.Helper()
	if err := logger.Init(filepath.Join(t.TempDir(), "test.log")); err != nil {
		t.Fatalf("logger.Init() error = %v", err)
	}
	t.Cleanup(func() {
		logger.Close()
		logger.Reset()
	})
}

func TestGateContainment(t *testing.T) {
	root := t.TempDir()
	gate, err := NewGate([]string{root}, nil)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"root itself", root, false},
		{"nested file", filepath.Join(root, "sub", "file.go"), false},
		{"outside root", "/somewhere/else/file.go", true},
		{"relative path", "sub/file.go", true},
		{"dotdot escape", root + "/../escape.txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gate.Check(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Check(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil {
				var rc *acp.ResourceConstraintError
				if !errors.As(err, &rc) {
					t.Errorf("Check(%q) error type = %T", tt.path, err)
				}
			}
		})
	}
}

func TestGateSiblingPrefixNotContained(t *testing.T) {
	root := t.TempDir()
	gate, err := NewGate([]string{root}, nil)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	// "/tmp/work-evil" must not pass a "/tmp/work" root.
	if _, err := gate.Check(root + "-evil/file.go"); err == nil {
		t.Error("sibling directory sharing the root's prefix was admitted")
	}
}

func TestGateUntrusted(t *testing.T) {
	gate, err := NewGate(nil, nil)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	if gate.Trusted() {
		t.Error("Trusted() = true with no roots")
	}
	if _, err := gate.Check("/anything"); err == nil {
		t.Error("Check() succeeded with no roots")
	}
}

func TestGateRejectsRelativeRoot(t *testing.T) {
	if _, err := NewGate([]string{"relative/root"}, nil); err == nil {
		t.Error("NewGate() accepted a relative root")
	}
}

func TestGateAddRoot(t *testing.T) {
	gate, err := NewGate(nil, nil)
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}
	root := t.TempDir()
	if err := gate.AddRoot(root); err != nil {
		t.Fatalf("AddRoot() error = %v", err)
	}
	if err := gate.AddRoot(root); err != nil {
		t.Fatalf("AddRoot() duplicate error = %v", err)
	}
	if got := gate.Roots(); len(got) != 1 {
		t.Errorf("Roots() = %v, want one entry", got)
	}
	if _, err := gate.Check(filepath.Join(root, "f.txt")); err != nil {
		t.Errorf("Check() error = %v after AddRoot", err)
	}
}

func TestGateProtectedPatterns(t *testing.T) {
	root := t.TempDir()
	gate, err := NewGate([]string{root}, []string{"**/.git/**", "**/*.pem"})
	if err != nil {
		t.Fatalf("NewGate() error = %v", err)
	}

	gitConfig := filepath.Join(root, ".git", "config")
	if _, err := gate.CheckWrite(gitConfig); err == nil {
		t.Error("CheckWrite() allowed a protected path")
	}
	if _, err := gate.CheckWrite(filepath.Join(root, "deploy", "key.pem")); err == nil {
		t.Error("CheckWrite() allowed a protected pattern match")
	}

	// Protection applies to writes only.
	if _, err := gate.Check(gitConfig); err != nil {
		t.Errorf("Check() error = %v, reads of protected paths are fine", err)
	}
	if _, err := gate.CheckWrite(filepath.Join(root, "main.go")); err != nil {
		t.Errorf("CheckWrite() error = %v for unprotected path", err)
	}
}
