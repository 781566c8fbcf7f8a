package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zhubert/relay-core/logger"
)

// Connection constants
const (
	// DefaultRequestTimeout bounds ordinary request/response calls.
	// Prompt calls are exempt: a turn can legitimately run for many
	// minutes, so they rely on context cancellation instead.
	DefaultRequestTimeout = 60 * time.Second

	// StopGracePeriod is how long Close waits after closing stdin before
	// force-killing the agent process.
	StopGracePeriod = 5 * time.Second

	// scannerBuffer and scannerMaxFrame size the frame reader. Agents
	// embed whole file contents in updates, so frames can get large.
	scannerBuffer   = 1024 * 1024
	scannerMaxFrame = 10 * 1024 * 1024

	// stderrTailLimit bounds the retained stderr tail used for crash
	// diagnostics.
	stderrTailLimit = 8 * 1024
)

var (
	errNotConnected     = errors.New("agent not connected")
	errConnectionClosed = errors.New("connection closed")
	errAgentExited      = errors.New("agent process exited")
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateReady
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// FileSystemHandler services fs/read_text_file and fs/write_text_file
// requests from the agent. When nil, the capability is not advertised and
// the methods are rejected.
type FileSystemHandler interface {
	ReadTextFile(ctx context.Context, params *ReadTextFileParams) (*ReadTextFileResult, error)
	WriteTextFile(ctx context.Context, params *WriteTextFileParams) error
}

// TerminalHandler services terminal/* requests from the agent. When nil,
// the capability is not advertised and the methods are rejected.
type TerminalHandler interface {
	CreateTerminal(ctx context.Context, params *CreateTerminalParams) (*CreateTerminalResult, error)
	TerminalOutput(ctx context.Context, params *TerminalOutputParams) (*TerminalOutputResult, error)
	WaitForTerminalExit(ctx context.Context, params *WaitForTerminalExitParams) (*WaitForTerminalExitResult, error)
	KillTerminal(ctx context.Context, params *KillTerminalParams) error
	ReleaseTerminal(ctx context.Context, params *ReleaseTerminalParams) error
}

// ConnectionConfig holds everything needed to spawn and talk to one agent.
type ConnectionConfig struct {
	AgentID string
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the parent environment
	Cwd     string

	// RequestTimeout bounds non-prompt calls. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// WireLog tees every frame to logger.WireLogPath(AgentID).
	WireLog bool

	FS       FileSystemHandler
	Terminal TerminalHandler
}

// ConnectionCallbacks defines callbacks the Connection invokes during
// operation.
//
// Callback Threading Model:
// OnSessionUpdate is invoked synchronously from the read loop, one at a
// time, preserving the agent's notification order. Implementations must
// not block on user input or call back into the Connection.
// OnRequestPermission runs on its own goroutine per request, so an
// unbounded user decision never stalls the read loop. Its context is
// cancelled when the agent process exits.
// OnStopped is invoked once per process exit, after every pending call
// has been failed. err is nil for a clean exit.
type ConnectionCallbacks struct {
	OnSessionUpdate     func(n *SessionNotification)
	OnRequestPermission func(ctx context.Context, params *RequestPermissionParams) (*RequestPermissionResult, error)
	OnStopped           func(err error)
}

// Process is a live agent subprocess as the connection sees it.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	Wait   func() error
	Kill   func() error
	PID    int
}

// Launcher abstracts spawning the agent subprocess. This interface enables
// dependency injection and testing.
type Launcher interface {
	Launch(cfg *ConnectionConfig) (*Process, error)
}

// ExecLauncher launches the agent via os/exec.
type ExecLauncher struct{}

// Launch spawns cfg.Command with stdio pipes attached.
func (ExecLauncher) Launch(cfg *ConnectionConfig) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
		Kill:   func() error { return cmd.Process.Kill() },
		PID:    cmd.Process.Pid,
	}, nil
}

// liveProcess bundles one spawned process with its reader goroutines.
// A fresh liveProcess is created per connect; goroutines belonging to a
// dead process verify they are still current before touching Connection
// state.
type liveProcess struct {
	proc *Process

	// waitDone is closed by monitorExit when proc.Wait() completes.
	// Close() selects on this channel instead of calling Wait() again.
	waitDone   chan struct{}
	stderrDone chan struct{}
	readerDone chan struct{}
	exitErr    error // set before waitDone closes

	// ctx is cancelled after the process exits; in-flight agent request
	// handlers use it to abort user-facing waits.
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	tailMu sync.Mutex
	tail   []byte
}

// appendStderr keeps the newest stderrTailLimit bytes.
func (lp *liveProcess) appendStderr(p []byte) {
	lp.tailMu.Lock()
	defer lp.tailMu.Unlock()
	lp.tail = append(lp.tail, p...)
	if len(lp.tail) > stderrTailLimit {
		lp.tail = lp.tail[len(lp.tail)-stderrTailLimit:]
	}
}

func (lp *liveProcess) stderrTail() string {
	lp.tailMu.Lock()
	defer lp.tailMu.Unlock()
	return string(bytes.TrimSpace(lp.tail))
}

// Connection owns one agent subprocess and the newline-delimited JSON-RPC
// channel to it. A Connection is restartable: when the process dies, the
// next EnsureReady spawns and handshakes again. There is no automatic
// restart.
type Connection struct {
	config    ConnectionConfig
	callbacks ConnectionCallbacks
	launcher  Launcher
	log       *slog.Logger

	// startMu serializes spawn+handshake so concurrent EnsureReady calls
	// produce exactly one process.
	startMu sync.Mutex

	mu      sync.Mutex
	state   ConnState
	proc    *liveProcess
	agent   *InitializeResult
	nextID  int64
	pending map[int64]chan *wireMessage
	closed  bool

	// writeMu serializes whole frames onto stdin.
	writeMu sync.Mutex

	wireMu  sync.Mutex
	wireLog *os.File
}

// NewConnection creates a connection for one agent configuration. The
// process is not spawned until EnsureReady.
func NewConnection(config ConnectionConfig, callbacks ConnectionCallbacks) *Connection {
	return &Connection{
		config:    config,
		callbacks: callbacks,
		launcher:  ExecLauncher{},
		log:       logger.WithAgent(config.AgentID),
		pending:   make(map[int64]chan *wireMessage),
	}
}

// SetLauncher overrides process spawning. Intended for tests.
func (c *Connection) SetLauncher(l Launcher) {
	c.launcher = l
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AgentInfo returns the handshake result, or nil before the first
// successful EnsureReady.
func (c *Connection) AgentInfo() *InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// AgentID returns the configured agent identifier.
func (c *Connection) AgentID() string {
	return c.config.AgentID
}

// EnsureReady spawns the agent and performs the initialize handshake if
// not already connected. Safe for concurrent use; callers after the first
// wait for its outcome and return without spawning a second process.
func (c *Connection) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{AgentID: c.config.AgentID, Op: "call", Err: errConnectionClosed}
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.startMu.Lock()
	defer c.startMu.Unlock()

	// Re-check under startMu: another caller may have connected while we
	// waited for the lock.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ConnectionError{AgentID: c.config.AgentID, Op: "call", Err: errConnectionClosed}
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.connect(ctx)
}

// connect spawns the process, starts its goroutines, and handshakes.
// Caller must hold startMu.
func (c *Connection) connect(ctx context.Context) error {
	c.log.Info("starting agent", "command", c.config.Command)
	startTime := time.Now()

	proc, err := c.launcher.Launch(&c.config)
	if err != nil {
		c.log.Error("failed to start agent", "error", err)
		return &ConnectionError{AgentID: c.config.AgentID, Op: "spawn", Err: err}
	}

	lpCtx, cancel := context.WithCancel(context.Background())
	lp := &liveProcess{
		proc:       proc,
		waitDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		ctx:        lpCtx,
		cancel:     cancel,
	}

	c.mu.Lock()
	c.proc = lp
	c.state = StateConnecting
	c.pending = make(map[int64]chan *wireMessage)
	c.mu.Unlock()

	c.openWireLog()

	lp.wg.Add(3)
	go func() {
		defer lp.wg.Done()
		c.readLoop(lp)
	}()
	go func() {
		defer lp.wg.Done()
		c.drainStderr(lp)
	}()
	go func() {
		defer lp.wg.Done()
		c.monitorExit(lp)
	}()

	c.log.Info("agent started", "pid", proc.PID, "elapsed", time.Since(startTime))

	info, err := c.handshake(ctx)
	if err != nil {
		c.log.Error("handshake failed", "error", err)
		c.teardown(lp)
		return err
	}

	c.mu.Lock()
	if c.proc == lp {
		c.state = StateReady
		c.agent = info
	}
	ready := c.proc == lp
	c.mu.Unlock()

	if !ready {
		// Process died between handshake response and here.
		return &ConnectionError{AgentID: c.config.AgentID, Op: "handshake", Err: errAgentExited}
	}

	c.log.Info("agent ready",
		"protocolVersion", info.ProtocolVersion,
		"loadSession", info.AgentCapabilities.LoadSession)
	return nil
}

// handshake runs the initialize exchange and validates the result.
func (c *Connection) handshake(ctx context.Context) (*InitializeResult, error) {
	caps := ClientCapabilities{}
	if c.config.FS != nil {
		caps.FS = &FSCapabilities{ReadTextFile: true, WriteTextFile: true}
	}
	if c.config.Terminal != nil {
		caps.Terminal = true
	}

	params := &InitializeParams{
		ProtocolVersion:    ProtocolVersion,
		ClientCapabilities: caps,
	}

	raw, err := c.sendRequest(ctx, methodInitialize, params, c.requestTimeout())
	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return nil, err
		}
		return nil, &ConnectionError{AgentID: c.config.AgentID, Op: "handshake", Err: err}
	}

	info := &InitializeResult{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, &ProtocolError{Method: methodInitialize, Detail: "malformed result", Err: err}
	}
	if info.ProtocolVersion < 1 {
		return nil, &ProtocolError{Method: methodInitialize,
			Detail: fmt.Sprintf("agent reported protocol version %d", info.ProtocolVersion)}
	}
	return info, nil
}

// teardown force-stops a process after a failed connect. Idempotent with
// monitorExit's own cleanup.
func (c *Connection) teardown(lp *liveProcess) {
	lp.proc.Stdin.Close()
	select {
	case <-lp.waitDone:
	case <-time.After(StopGracePeriod):
		lp.proc.Kill()
		<-lp.waitDone
	}
	lp.wg.Wait()
}

func (c *Connection) requestTimeout() time.Duration {
	if c.config.RequestTimeout > 0 {
		return c.config.RequestTimeout
	}
	return DefaultRequestTimeout
}

// outRequest, outNotification, and outResponse are the three outbound
// frame shapes.
type outRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// sendRequest writes a request frame and waits for its response. A zero
// timeout waits until ctx is done or the connection fails.
func (c *Connection) sendRequest(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ConnectionError{AgentID: c.config.AgentID, Op: "call", Err: errConnectionClosed}
	}
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil, &ConnectionError{AgentID: c.config.AgentID, Op: "call", Err: errNotConnected}
	}
	c.nextID++
	id := c.nextID
	respCh := make(chan *wireMessage, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	if err := c.writeFrame(&outRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &ConnectionError{AgentID: c.config.AgentID, Op: "call", Err: err}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			// Channel closed: the process exited with the call in flight.
			return nil, &ConnectionError{AgentID: c.config.AgentID, Op: "call", Err: errAgentExited}
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-timer:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &ConnectionError{AgentID: c.config.AgentID, Op: "call",
			Err: fmt.Errorf("no response to %s after %s", method, timeout)}
	}
}

// sendNotification writes a fire-and-forget frame.
func (c *Connection) sendNotification(method string, params any) error {
	c.mu.Lock()
	if c.closed || c.state == StateDisconnected {
		c.mu.Unlock()
		return errNotConnected
	}
	c.mu.Unlock()
	return c.writeFrame(&outNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// writeFrame marshals v, appends the newline delimiter, and writes the
// whole frame under writeMu so frames never interleave.
func (c *Connection) writeFrame(v any) error {
	c.mu.Lock()
	lp := c.proc
	c.mu.Unlock()
	if lp == nil {
		return errNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.logFrame("->", data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := lp.proc.Stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readLoop reads frames until stdout closes, classifying each as a
// notification, an agent request, or a response to one of our calls.
func (c *Connection) readLoop(lp *liveProcess) {
	defer close(lp.readerDone)

	scanner := bufio.NewScanner(lp.proc.Stdout)
	scanner.Buffer(make([]byte, scannerBuffer), scannerMaxFrame)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		c.logFrame("<-", line)

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("discarding malformed frame", "error", err)
			continue
		}

		switch {
		case msg.Method != "" && len(msg.ID) == 0:
			c.handleNotification(&msg)
		case msg.Method != "":
			c.handleAgentRequest(lp, &msg)
		default:
			c.handleResponse(&msg)
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("agent stdout closed", "error", err)
	}
}

// handleNotification routes agent notifications. session/update is
// delivered synchronously so per-session ordering is preserved.
func (c *Connection) handleNotification(msg *wireMessage) {
	switch msg.Method {
	case methodSessionUpdate:
		n := &SessionNotification{}
		if err := json.Unmarshal(msg.Params, n); err != nil {
			c.log.Warn("malformed session update", "error", err)
			return
		}
		if c.callbacks.OnSessionUpdate != nil {
			c.callbacks.OnSessionUpdate(n)
		}
	default:
		c.log.Debug("unhandled notification", "method", msg.Method)
	}
}

// handleAgentRequest services a request from the agent on its own
// goroutine, so a slow handler (a permission prompt awaiting the user)
// never stalls the read loop.
func (c *Connection) handleAgentRequest(lp *liveProcess, msg *wireMessage) {
	lp.wg.Add(1)
	go func() {
		defer lp.wg.Done()
		c.dispatchAgentRequest(lp.ctx, msg)
	}()
}

func (c *Connection) dispatchAgentRequest(ctx context.Context, msg *wireMessage) {
	var (
		result any
		err    error
	)

	switch msg.Method {
	case methodRequestPermission:
		params := &RequestPermissionParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			if c.callbacks.OnRequestPermission == nil {
				c.log.Warn("permission requested but no handler bound, cancelling",
					"sessionID", params.SessionID)
				result = PermissionCancelled()
			} else {
				result, err = c.callbacks.OnRequestPermission(ctx, params)
			}
		}
	case methodReadTextFile:
		if c.config.FS == nil {
			c.respondError(msg.ID, codeMethodNotFound, "fs capability not offered")
			return
		}
		params := &ReadTextFileParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			result, err = c.config.FS.ReadTextFile(ctx, params)
		}
	case methodWriteTextFile:
		if c.config.FS == nil {
			c.respondError(msg.ID, codeMethodNotFound, "fs capability not offered")
			return
		}
		params := &WriteTextFileParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			if err = c.config.FS.WriteTextFile(ctx, params); err == nil {
				result = struct{}{}
			}
		}
	case methodTerminalCreate:
		if c.config.Terminal == nil {
			c.respondError(msg.ID, codeMethodNotFound, "terminal capability not offered")
			return
		}
		params := &CreateTerminalParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			result, err = c.config.Terminal.CreateTerminal(ctx, params)
		}
	case methodTerminalOutput:
		if c.config.Terminal == nil {
			c.respondError(msg.ID, codeMethodNotFound, "terminal capability not offered")
			return
		}
		params := &TerminalOutputParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			result, err = c.config.Terminal.TerminalOutput(ctx, params)
		}
	case methodTerminalWait:
		if c.config.Terminal == nil {
			c.respondError(msg.ID, codeMethodNotFound, "terminal capability not offered")
			return
		}
		params := &WaitForTerminalExitParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			result, err = c.config.Terminal.WaitForTerminalExit(ctx, params)
		}
	case methodTerminalKill:
		if c.config.Terminal == nil {
			c.respondError(msg.ID, codeMethodNotFound, "terminal capability not offered")
			return
		}
		params := &KillTerminalParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			if err = c.config.Terminal.KillTerminal(ctx, params); err == nil {
				result = struct{}{}
			}
		}
	case methodTerminalRelease:
		if c.config.Terminal == nil {
			c.respondError(msg.ID, codeMethodNotFound, "terminal capability not offered")
			return
		}
		params := &ReleaseTerminalParams{}
		if err = json.Unmarshal(msg.Params, params); err == nil {
			if err = c.config.Terminal.ReleaseTerminal(ctx, params); err == nil {
				result = struct{}{}
			}
		}
	default:
		c.log.Warn("unknown agent request", "method", msg.Method)
		c.respondError(msg.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", msg.Method))
		return
	}

	if err != nil {
		code := codeInternalError
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			code = codeInvalidParams
		}
		c.log.Warn("agent request failed", "method", msg.Method, "error", err)
		c.respondError(msg.ID, code, UserMessage(err))
		return
	}
	c.respondResult(msg.ID, result)
}

// respondResult echoes the request id exactly as the agent sent it.
func (c *Connection) respondResult(id json.RawMessage, result any) {
	if result == nil {
		result = struct{}{}
	}
	if err := c.writeFrame(&outResponse{JSONRPC: "2.0", ID: id, Result: result}); err != nil {
		c.log.Warn("failed to write response", "error", err)
	}
}

func (c *Connection) respondError(id json.RawMessage, code int, message string) {
	resp := &outResponse{JSONRPC: "2.0", ID: id, Error: &ResponseError{Code: code, Message: message}}
	if err := c.writeFrame(resp); err != nil {
		c.log.Warn("failed to write error response", "error", err)
	}
}

// handleResponse delivers a response frame to its waiting caller.
func (c *Connection) handleResponse(msg *wireMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.log.Warn("response with unusable id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		// Caller gave up (timeout or context) or the id was never ours.
		c.log.Warn("response with no pending call", "id", id)
		return
	}
	ch <- msg
}

// drainStderr keeps a bounded tail of stderr for crash diagnostics.
func (c *Connection) drainStderr(lp *liveProcess) {
	defer close(lp.stderrDone)

	buf := make([]byte, 4096)
	for {
		n, err := lp.proc.Stderr.Read(buf)
		if n > 0 {
			lp.appendStderr(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// monitorExit waits for the process to exit and finalizes the connection
// state. It is the sole caller of Wait; Close coordinates through the
// waitDone channel instead of waiting itself.
func (c *Connection) monitorExit(lp *liveProcess) {
	lp.exitErr = lp.proc.Wait()
	close(lp.waitDone)

	// Wait for the readers so the stderr tail is complete and no more
	// frames will arrive, then release in-flight request handlers.
	<-lp.stderrDone
	<-lp.readerDone
	lp.cancel()

	c.mu.Lock()
	current := c.proc == lp
	var orphaned []chan *wireMessage
	if current {
		c.state = StateDisconnected
		c.proc = nil
		for id, ch := range c.pending {
			delete(c.pending, id)
			orphaned = append(orphaned, ch)
		}
	}
	c.mu.Unlock()

	for _, ch := range orphaned {
		close(ch)
	}

	if !current {
		return
	}

	tail := lp.stderrTail()
	var stopErr error
	if lp.exitErr != nil {
		cause := lp.exitErr
		if tail != "" {
			cause = fmt.Errorf("%w: %s", lp.exitErr, tail)
		}
		stopErr = &ConnectionError{AgentID: c.config.AgentID, Op: "exited", Err: cause}
		c.log.Error("agent exited", "error", lp.exitErr, "stderr", tail)
	} else {
		c.log.Info("agent exited cleanly")
	}

	if c.callbacks.OnStopped != nil {
		c.callbacks.OnStopped(stopErr)
	}
}

// Close shuts the connection down for good: stdin is closed to let the
// agent exit on its own, then it is killed after StopGracePeriod. Safe to
// call multiple times. After Close, EnsureReady refuses to reconnect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	lp := c.proc
	c.mu.Unlock()

	if lp != nil {
		c.log.Info("closing connection")
		lp.proc.Stdin.Close()
		select {
		case <-lp.waitDone:
			c.log.Debug("agent exited gracefully")
		case <-time.After(StopGracePeriod):
			c.log.Warn("agent did not exit, killing")
			lp.proc.Kill()
			<-lp.waitDone
		}
		lp.wg.Wait()
	}

	c.wireMu.Lock()
	if c.wireLog != nil {
		c.wireLog.Close()
		c.wireLog = nil
	}
	c.wireMu.Unlock()
}

// openWireLog opens the frame capture file on first connect when enabled.
func (c *Connection) openWireLog() {
	if !c.config.WireLog {
		return
	}
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	if c.wireLog != nil {
		return
	}
	path, err := logger.WireLogPath(c.config.AgentID)
	if err != nil {
		c.log.Warn("failed to resolve wire log path", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.log.Warn("failed to open wire log", "path", path, "error", err)
		return
	}
	c.wireLog = f
}

// logFrame tees one frame to the wire capture file.
func (c *Connection) logFrame(dir string, frame []byte) {
	c.wireMu.Lock()
	defer c.wireMu.Unlock()
	if c.wireLog == nil {
		return
	}
	fmt.Fprintf(c.wireLog, "%s %s %s\n", time.Now().Format(time.RFC3339Nano), dir, frame)
}
