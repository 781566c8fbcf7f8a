package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/permission"
)

// WriteCacheKey groups file writes for the allow-always cache.
const WriteCacheKey = "fs/write"

// Approver asks the user to approve a privileged operation. The
// permission Coordinator satisfies it.
type Approver interface {
	Request(ctx context.Context, req permission.Request) acp.PermissionOutcome
}

// FS services agent fs/read_text_file and fs/write_text_file requests
// inside a Gate. Writes go through the approver first.
type FS struct {
	gate     *Gate
	approver Approver
	log      *slog.Logger
}

func NewFS(gate *Gate, approver Approver) *FS {
	return &FS{
		gate:     gate,
		approver: approver,
		log:      logger.WithComponent("workspace"),
	}
}

// ReadTextFile reads a file inside the workspace. Line (1-based) and
// Limit restrict the returned range when present; a start past the end
// of the file yields empty content.
func (f *FS) ReadTextFile(_ context.Context, params *acp.ReadTextFileParams) (*acp.ReadTextFileResult, error) {
	path, err := f.gate.Check(params.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	content := string(data)

	if params.Line != nil || params.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if params.Line != nil && *params.Line > 1 {
			start = *params.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if params.Limit != nil && *params.Limit >= 0 && start+*params.Limit < end {
			end = start + *params.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	f.log.Debug("fs read", "sessionID", params.SessionID, "path", path, "bytes", len(content))
	return &acp.ReadTextFileResult{Content: content}, nil
}

// WriteTextFile writes a file inside the workspace after user approval,
// creating parent directories as needed.
func (f *FS) WriteTextFile(ctx context.Context, params *acp.WriteTextFileParams) error {
	path, err := f.gate.CheckWrite(params.Path)
	if err != nil {
		return err
	}

	options := permission.StandardOptions()
	out := f.approver.Request(ctx, permission.Request{
		SessionID: params.SessionID,
		CacheKey:  WriteCacheKey,
		ToolCall: acp.ToolCallUpdate{
			Title:     "Write " + path,
			Kind:      acp.ToolKindEdit,
			Locations: []acp.ToolCallLocation{{Path: path}},
		},
		Options: options,
	})
	if !permission.Allowed(out, options) {
		f.log.Info("fs write denied", "sessionID", params.SessionID, "path", path)
		return &acp.PermissionDeniedError{Operation: "write " + path}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	f.log.Debug("fs write", "sessionID", params.SessionID, "path", path, "bytes", len(params.Content))
	return nil
}
