package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/zhubert/relay-core/acp"
)

// CommandSpec describes one terminal command.
type CommandSpec struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE entries appended to the inherited env
	Cwd     string
}

// Started is a launched terminal command. Output carries combined
// stdout and stderr; Wait blocks until exit, must be called exactly
// once, and never returns nil; Kill force-stops the process.
type Started struct {
	Output io.ReadCloser
	Wait   func() *acp.TerminalExitStatus
	Kill   func() error
}

// Starter launches terminal commands. Production code uses PtyStarter;
// tests inject scripted processes.
type Starter interface {
	Start(spec CommandSpec) (*Started, error)
}

// PtyStarter runs commands under a pseudo-terminal, so children see an
// interactive terminal and their stdout/stderr interleave the way they
// would for a user.
type PtyStarter struct{}

func (PtyStarter) Start(spec CommandSpec) (*Started, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, spec.Env...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	return &Started{
		Output: ptmx,
		Wait: func() *acp.TerminalExitStatus {
			err := cmd.Wait()
			ptmx.Close()
			return exitStatus(err)
		},
		Kill: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
	}, nil
}

// exitStatus maps a Wait error onto the protocol's exit shape.
func exitStatus(err error) *acp.TerminalExitStatus {
	if err == nil {
		code := 0
		return &acp.TerminalExitStatus{ExitCode: &code}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return &acp.TerminalExitStatus{ExitCode: &code}
		}
		if rest, ok := strings.CutPrefix(ee.ProcessState.String(), "signal: "); ok {
			if fields := strings.Fields(rest); len(fields) > 0 {
				return &acp.TerminalExitStatus{Signal: &fields[0]}
			}
		}
	}
	return &acp.TerminalExitStatus{}
}
