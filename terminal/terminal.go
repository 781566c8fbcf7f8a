// Package terminal runs agent-requested commands and buffers their
// combined output for the terminal/* protocol methods.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/permission"
	"github.com/zhubert/relay-core/workspace"
)

// CacheKey groups terminal launches for the allow-always cache.
const CacheKey = "terminal"

type term struct {
	id        string
	sessionID string
	buf       *OutputBuffer
	started   *Started
	exited    chan struct{}
	status    *acp.TerminalExitStatus // set once before exited closes; guarded by Manager.mu
}

// Manager owns the terminals spawned on behalf of agents. It implements
// acp.TerminalHandler: creation is permission-gated and constrained to
// the workspace, output is buffered with newest-bytes truncation, and
// exit status is published exactly once per terminal.
type Manager struct {
	log      *slog.Logger
	gate     *workspace.Gate
	approver workspace.Approver
	starter  Starter

	mu    sync.Mutex
	terms map[string]*term
}

// NewManager builds a Manager. A nil starter selects PtyStarter.
func NewManager(gate *workspace.Gate, approver workspace.Approver, starter Starter) *Manager {
	if starter == nil {
		starter = PtyStarter{}
	}
	return &Manager{
		log:      logger.WithComponent("terminal"),
		gate:     gate,
		approver: approver,
		starter:  starter,
		terms:    make(map[string]*term),
	}
}

// CreateTerminal launches a command after user approval. An empty cwd
// falls back to the first workspace root; any explicit cwd must resolve
// inside the workspace.
func (m *Manager) CreateTerminal(ctx context.Context, params *acp.CreateTerminalParams) (*acp.CreateTerminalResult, error) {
	cwd := params.Cwd
	if cwd == "" {
		roots := m.gate.Roots()
		if len(roots) == 0 {
			return nil, &acp.ResourceConstraintError{Reason: "no trusted workspace root"}
		}
		cwd = roots[0]
	} else {
		var err error
		if cwd, err = m.gate.Check(cwd); err != nil {
			return nil, err
		}
	}

	commandLine := params.Command
	if len(params.Args) > 0 {
		commandLine += " " + strings.Join(params.Args, " ")
	}
	options := permission.StandardOptions()
	out := m.approver.Request(ctx, permission.Request{
		SessionID: params.SessionID,
		CacheKey:  CacheKey,
		ToolCall: acp.ToolCallUpdate{
			Title:  "Run " + commandLine,
			Kind:   acp.ToolKindExecute,
			Status: acp.ToolPending,
		},
		Options: options,
	})
	if !permission.Allowed(out, options) {
		m.log.Info("terminal denied", "sessionID", params.SessionID, "command", params.Command)
		return nil, &acp.PermissionDeniedError{Operation: "run " + params.Command}
	}

	var env []string
	for _, e := range params.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	started, err := m.starter.Start(CommandSpec{
		Command: params.Command,
		Args:    params.Args,
		Env:     env,
		Cwd:     cwd,
	})
	if err != nil {
		return nil, err
	}

	t := &term{
		id:        uuid.NewString(),
		sessionID: params.SessionID,
		buf:       NewOutputBuffer(params.OutputByteLimit),
		started:   started,
		exited:    make(chan struct{}),
	}
	m.mu.Lock()
	m.terms[t.id] = t
	m.mu.Unlock()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		io.Copy(t.buf, started.Output)
	}()
	go func() {
		status := started.Wait()
		// Output is complete once the reader drains; only then is the
		// exit status visible, so a caller that sees a status also sees
		// the final output.
		<-readerDone
		m.mu.Lock()
		t.status = status
		m.mu.Unlock()
		close(t.exited)
		m.log.Debug("terminal exited", "terminalID", t.id)
	}()

	m.log.Info("terminal created",
		"terminalID", t.id, "sessionID", params.SessionID, "command", params.Command, "cwd", cwd)
	return &acp.CreateTerminalResult{TerminalID: t.id}, nil
}

// TerminalOutput returns the buffered output so far, with the exit
// status once the command has finished.
func (m *Manager) TerminalOutput(_ context.Context, params *acp.TerminalOutputParams) (*acp.TerminalOutputResult, error) {
	t, err := m.lookup(params.TerminalID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	status := t.status
	m.mu.Unlock()
	return &acp.TerminalOutputResult{
		Output:     t.buf.String(),
		Truncated:  t.buf.Truncated(),
		ExitStatus: status,
	}, nil
}

// WaitForTerminalExit blocks until the command exits or ctx is done.
func (m *Manager) WaitForTerminalExit(ctx context.Context, params *acp.WaitForTerminalExitParams) (*acp.WaitForTerminalExitResult, error) {
	t, err := m.lookup(params.TerminalID)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.exited:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	status := t.status
	m.mu.Unlock()
	return &acp.WaitForTerminalExitResult{ExitCode: status.ExitCode, Signal: status.Signal}, nil
}

// KillTerminal force-stops the command but keeps the handle, so output
// and exit status stay readable.
func (m *Manager) KillTerminal(_ context.Context, params *acp.KillTerminalParams) error {
	t, err := m.lookup(params.TerminalID)
	if err != nil {
		return err
	}
	if err := t.started.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill terminal %s: %w", t.id, err)
	}
	m.log.Debug("terminal killed", "terminalID", t.id)
	return nil
}

// ReleaseTerminal disposes of the handle, killing the command if still
// running. Releasing an unknown id is a no-op: the session teardown may
// already have swept it.
func (m *Manager) ReleaseTerminal(_ context.Context, params *acp.ReleaseTerminalParams) error {
	m.mu.Lock()
	t := m.terms[params.TerminalID]
	delete(m.terms, params.TerminalID)
	m.mu.Unlock()
	if t == nil {
		m.log.Debug("release of unknown terminal ignored", "terminalID", params.TerminalID)
		return nil
	}
	m.release(t)
	return nil
}

// ReleaseSession disposes every terminal belonging to the session.
func (m *Manager) ReleaseSession(sessionID string) {
	m.mu.Lock()
	var doomed []*term
	for id, t := range m.terms {
		if t.sessionID == sessionID {
			doomed = append(doomed, t)
			delete(m.terms, id)
		}
	}
	m.mu.Unlock()
	for _, t := range doomed {
		m.release(t)
	}
}

func (m *Manager) release(t *term) {
	select {
	case <-t.exited:
	default:
		if err := t.started.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.log.Warn("kill on release failed", "terminalID", t.id, "error", err)
		}
	}
	m.log.Debug("terminal released", "terminalID", t.id)
}

func (m *Manager) lookup(id string) (*term, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.terms[id]
	if t == nil {
		return nil, &acp.NotFoundError{Kind: "terminal", Key: id}
	}
	return t, nil
}
