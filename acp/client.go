package acp

import (
	"context"
	"encoding/json"
)

// CreateSession asks the agent for a fresh session rooted at cwd.
func (c *Connection) CreateSession(ctx context.Context, cwd string, servers []MCPServer) (*NewSessionResult, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if servers == nil {
		servers = []MCPServer{}
	}

	raw, err := c.sendRequest(ctx, methodSessionNew, &NewSessionParams{Cwd: cwd, MCPServers: servers}, c.requestTimeout())
	if err != nil {
		return nil, err
	}

	result := &NewSessionResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, &ProtocolError{Method: methodSessionNew, Detail: "malformed result", Err: err}
	}
	if result.SessionID == "" {
		return nil, &ProtocolError{Method: methodSessionNew, Detail: "result missing session id"}
	}
	return result, nil
}

// LoadSession resumes sessionID in a fresh agent process. Callers should
// check SupportsLoadSession first; agents that lack the capability reject
// the call here.
func (c *Connection) LoadSession(ctx context.Context, sessionID, cwd string, servers []MCPServer) (*LoadSessionResult, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if !c.SupportsLoadSession() {
		return nil, &ProtocolError{Method: methodSessionLoad, Detail: "agent does not support session loading"}
	}
	if servers == nil {
		servers = []MCPServer{}
	}

	params := &LoadSessionParams{SessionID: sessionID, Cwd: cwd, MCPServers: servers}
	raw, err := c.sendRequest(ctx, methodSessionLoad, params, c.requestTimeout())
	if err != nil {
		return nil, err
	}

	result := &LoadSessionResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, &ProtocolError{Method: methodSessionLoad, Detail: "malformed result", Err: err}
	}
	return result, nil
}

// Prompt submits one user turn and blocks until the agent ends it. The
// call has no timeout of its own; cancel ctx or send Cancel to end a turn
// early. Session updates stream through OnSessionUpdate while this call
// is in flight.
func (c *Connection) Prompt(ctx context.Context, sessionID string, blocks []ContentBlock) (*PromptResult, error) {
	if err := c.EnsureReady(ctx); err != nil {
		return nil, err
	}

	raw, err := c.sendRequest(ctx, methodSessionPrompt, &PromptParams{SessionID: sessionID, Prompt: blocks}, 0)
	if err != nil {
		return nil, err
	}

	result := &PromptResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, &ProtocolError{Method: methodSessionPrompt, Detail: "malformed result", Err: err}
	}
	if result.StopReason == "" {
		return nil, &ProtocolError{Method: methodSessionPrompt, Detail: "result missing stop reason"}
	}
	return result, nil
}

// Cancel asks the agent to abort the in-flight turn for sessionID. It is
// a notification: best effort, no response. The prompt call itself is
// expected to return with StopCancelled.
func (c *Connection) Cancel(sessionID string) {
	if err := c.sendNotification(methodSessionCancel, &CancelParams{SessionID: sessionID}); err != nil {
		c.log.Debug("cancel not delivered", "sessionID", sessionID, "error", err)
	}
}

// SetMode selects a mode from the session's catalog and waits for the
// agent to acknowledge it.
func (c *Connection) SetMode(ctx context.Context, sessionID, modeID string) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}
	_, err := c.sendRequest(ctx, methodSetMode, &SetModeParams{SessionID: sessionID, ModeID: modeID}, c.requestTimeout())
	return err
}

// SetModel selects a model from the session's catalog and waits for the
// agent to acknowledge it.
func (c *Connection) SetModel(ctx context.Context, sessionID, modelID string) error {
	if err := c.EnsureReady(ctx); err != nil {
		return err
	}
	_, err := c.sendRequest(ctx, methodSetModel, &SetModelParams{SessionID: sessionID, ModelID: modelID}, c.requestTimeout())
	return err
}

// SupportsLoadSession reports whether the connected agent advertises
// session loading. False before the first handshake.
func (c *Connection) SupportsLoadSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent != nil && c.agent.AgentCapabilities.LoadSession
}
