// Package permission correlates agent permission requests with user
// decisions delivered through a bound UI context.
//
// The coordinator keeps at most one outstanding prompt. Issuing a new
// prompt supersedes the previous one (it resolves as cancelled), and a
// resolution payload must match both the prompt id and the session id
// of the outstanding prompt; stale payloads from an already-replaced
// prompt are ignored. "Allow always" selections are remembered per
// session and cache key so repeated operations stop prompting.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/logger"
)

// Prompter renders prompts for one bound session. ShowPrompt must not
// block; the decision arrives separately through Resolve.
type Prompter interface {
	ShowPrompt(Prompt)
}

// Request describes one permission round.
type Request struct {
	SessionID string
	// CacheKey groups repeatable operations for the allow-always cache
	// (for example "fs/write" or "terminal"). Empty disables caching
	// for this round.
	CacheKey string
	ToolCall acp.ToolCallUpdate
	Options  []acp.PermissionOption
}

// Prompt is what a bound Prompter is asked to render.
type Prompt struct {
	ID        string
	SessionID string
	ToolCall  acp.ToolCallUpdate
	Options   []acp.PermissionOption
}

// Resolution is the payload a UI pushes back for the outstanding
// prompt. An empty OptionID resolves it as cancelled.
type Resolution struct {
	PromptID  string
	SessionID string
	OptionID  string
}

// Fallback answers requests for sessions with no bound Prompter.
type Fallback func(ctx context.Context, req Request) acp.PermissionOutcome

// StandardOptions is the option set for client-initiated approvals such
// as file writes and terminal launches. Agent-declared tools carry
// their own options on the wire.
func StandardOptions() []acp.PermissionOption {
	return []acp.PermissionOption{
		{OptionID: "allow", Name: "Allow", Kind: acp.AllowOnce},
		{OptionID: "allow-always", Name: "Always allow", Kind: acp.AllowAlways},
		{OptionID: "reject", Name: "Reject", Kind: acp.RejectOnce},
	}
}

// Allowed reports whether the outcome selects an allow option from the
// given set.
func Allowed(out acp.PermissionOutcome, options []acp.PermissionOption) bool {
	if out.Outcome != acp.OutcomeSelected {
		return false
	}
	for _, opt := range options {
		if opt.OptionID == out.OptionID {
			return opt.Kind == acp.AllowOnce || opt.Kind == acp.AllowAlways
		}
	}
	return false
}

type binding struct {
	prompter Prompter
}

type pendingPrompt struct {
	id        string
	sessionID string
	done      chan acp.PermissionOutcome
}

// Coordinator routes permission requests to bound prompters and holds
// the allow-always cache. The zero value is not usable; construct with
// NewCoordinator.
type Coordinator struct {
	log *slog.Logger

	mu       sync.Mutex
	seq      int64
	bindings map[string]*binding
	current  *pendingPrompt
	always   map[alwaysKey]string
	fallback Fallback
}

type alwaysKey struct {
	sessionID string
	cacheKey  string
}

func NewCoordinator() *Coordinator {
	c := &Coordinator{
		log:      logger.WithComponent("permission"),
		bindings: make(map[string]*binding),
		always:   make(map[alwaysKey]string),
	}
	c.fallback = c.denyFallback
	return c
}

// SetFallback replaces the answer used when no Prompter is bound for a
// request's session. Passing nil restores the default, which cancels.
func (c *Coordinator) SetFallback(f Fallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f == nil {
		f = c.denyFallback
	}
	c.fallback = f
}

func (c *Coordinator) denyFallback(_ context.Context, req Request) acp.PermissionOutcome {
	c.log.Warn("permission request without bound prompter denied",
		"sessionID", req.SessionID, "tool", req.ToolCall.Title)
	return acp.PermissionOutcome{Outcome: acp.OutcomeCancelled}
}

// Bind routes future prompts for sessionID through p, replacing any
// previous binding for the session and cancelling its outstanding
// prompt. The returned disposer undoes this binding only; once the
// session is rebound the disposer is a no-op.
func (c *Coordinator) Bind(sessionID string, p Prompter) func() {
	b := &binding{prompter: p}
	c.mu.Lock()
	c.cancelPendingLocked(sessionID)
	c.bindings[sessionID] = b
	c.mu.Unlock()
	c.log.Debug("prompter bound", "sessionID", sessionID)

	return func() {
		c.mu.Lock()
		if c.bindings[sessionID] == b {
			delete(c.bindings, sessionID)
			c.cancelPendingLocked(sessionID)
		}
		c.mu.Unlock()
	}
}

// Request runs one permission round. The allow-always cache answers
// first; otherwise the request renders through the session's bound
// Prompter and waits for Resolve, replacement by a newer prompt, or ctx
// cancellation. Sessions with no binding get the fallback answer. Every
// path yields an outcome; denial is the cancelled outcome, not an
// error.
func (c *Coordinator) Request(ctx context.Context, req Request) acp.PermissionOutcome {
	c.mu.Lock()
	if req.CacheKey != "" {
		if optionID, ok := c.always[alwaysKey{req.SessionID, req.CacheKey}]; ok {
			c.mu.Unlock()
			c.log.Debug("previously allowed", "sessionID", req.SessionID, "cacheKey", req.CacheKey)
			return acp.PermissionOutcome{Outcome: acp.OutcomeSelected, OptionID: optionID}
		}
	}
	b := c.bindings[req.SessionID]
	if b == nil {
		f := c.fallback
		c.mu.Unlock()
		return f(ctx, req)
	}

	// The UI shows one prompt at a time; a newer prompt supersedes
	// whatever is still on screen.
	if c.current != nil {
		c.log.Debug("superseding outstanding prompt", "promptID", c.current.id)
		c.resolveLocked(c.current, acp.PermissionOutcome{Outcome: acp.OutcomeCancelled})
	}
	c.seq++
	p := &pendingPrompt{
		id:        fmt.Sprintf("%d-%s-%d", c.seq, req.SessionID, time.Now().UnixNano()),
		sessionID: req.SessionID,
		done:      make(chan acp.PermissionOutcome, 1),
	}
	c.current = p
	c.mu.Unlock()

	c.log.Info("permission prompt", "promptID", p.id, "sessionID", req.SessionID, "tool", req.ToolCall.Title)
	b.prompter.ShowPrompt(Prompt{ID: p.id, SessionID: req.SessionID, ToolCall: req.ToolCall, Options: req.Options})

	select {
	case out := <-p.done:
		c.remember(req, out)
		return out
	case <-ctx.Done():
		c.mu.Lock()
		if c.current == p {
			c.current = nil
		}
		c.mu.Unlock()
		c.log.Debug("permission prompt cancelled by context", "promptID", p.id)
		return acp.PermissionOutcome{Outcome: acp.OutcomeCancelled}
	}
}

// HandleRequest services one agent-issued permission request. Wire it
// to ConnectionCallbacks.OnRequestPermission. The agent applies its own
// allow-always policy to the options it declares, so these rounds skip
// the client-side cache.
func (c *Coordinator) HandleRequest(ctx context.Context, params *acp.RequestPermissionParams) (*acp.RequestPermissionResult, error) {
	out := c.Request(ctx, Request{
		SessionID: params.SessionID,
		ToolCall:  params.ToolCall,
		Options:   params.Options,
	})
	return &acp.RequestPermissionResult{Outcome: out}, nil
}

// Resolve answers the outstanding prompt. Both the prompt id and the
// session id must match; a stale pair left over from a replaced prompt
// never resolves the current one. Reports whether the payload matched.
func (c *Coordinator) Resolve(res Resolution) bool {
	c.mu.Lock()
	p := c.current
	if p == nil || p.id != res.PromptID || p.sessionID != res.SessionID {
		c.mu.Unlock()
		c.log.Debug("stale permission resolution ignored",
			"promptID", res.PromptID, "sessionID", res.SessionID)
		return false
	}
	out := acp.PermissionOutcome{Outcome: acp.OutcomeCancelled}
	if res.OptionID != "" {
		out = acp.PermissionOutcome{Outcome: acp.OutcomeSelected, OptionID: res.OptionID}
	}
	c.resolveLocked(p, out)
	c.mu.Unlock()
	c.log.Info("permission resolved", "promptID", res.PromptID, "outcome", out.Outcome)
	return true
}

// ClearSession unbinds the session's prompter and cancels its
// outstanding prompt. The allow-always cache survives; ForgetSession
// drops it.
func (c *Coordinator) ClearSession(sessionID string) {
	c.mu.Lock()
	delete(c.bindings, sessionID)
	c.cancelPendingLocked(sessionID)
	c.mu.Unlock()
}

// ForgetSession drops the session's allow-always cache entries.
func (c *Coordinator) ForgetSession(sessionID string) {
	c.mu.Lock()
	for k := range c.always {
		if k.sessionID == sessionID {
			delete(c.always, k)
		}
	}
	c.mu.Unlock()
}

func (c *Coordinator) cancelPendingLocked(sessionID string) {
	if c.current == nil || c.current.sessionID != sessionID {
		return
	}
	c.resolveLocked(c.current, acp.PermissionOutcome{Outcome: acp.OutcomeCancelled})
}

// resolveLocked delivers the outcome and clears the slot. The buffered
// send cannot block: each pendingPrompt is resolved at most once
// because every resolver checks c.current under the lock first.
func (c *Coordinator) resolveLocked(p *pendingPrompt, out acp.PermissionOutcome) {
	if c.current == p {
		c.current = nil
	}
	p.done <- out
}

func (c *Coordinator) remember(req Request, out acp.PermissionOutcome) {
	if out.Outcome != acp.OutcomeSelected || req.CacheKey == "" {
		return
	}
	for _, opt := range req.Options {
		if opt.OptionID == out.OptionID && opt.Kind == acp.AllowAlways {
			c.mu.Lock()
			c.always[alwaysKey{req.SessionID, req.CacheKey}] = opt.OptionID
			c.mu.Unlock()
			c.log.Debug("allow-always remembered", "sessionID", req.SessionID, "cacheKey", req.CacheKey)
			return
		}
	}
}
