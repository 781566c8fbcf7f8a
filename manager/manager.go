// Package manager owns the mapping from resource handles to live
// sessions on one agent connection: the identity-commit transition from
// draft handles to protocol session ids, per-session status and
// in-flight turn state, bidirectional mode/model option sync, and
// write-through of the persisted session index.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/config"
	"github.com/zhubert/relay-core/logger"
	"github.com/zhubert/relay-core/permission"
	"github.com/zhubert/relay-core/store"
	"github.com/zhubert/relay-core/terminal"
	"github.com/zhubert/relay-core/transcript"
	"github.com/zhubert/relay-core/workspace"
)

// Compile-time interface satisfaction checks.
var (
	_ AgentConnection = (*acp.Connection)(nil)
	_ ManagerConfig   = (*config.Config)(nil)
)

// AgentConnection defines the connection surface the manager drives.
// This decouples Manager from the concrete acp.Connection.
//
// *acp.Connection satisfies this interface implicitly.
type AgentConnection interface {
	AgentID() string
	CreateSession(ctx context.Context, cwd string, servers []acp.MCPServer) (*acp.NewSessionResult, error)
	LoadSession(ctx context.Context, sessionID, cwd string, servers []acp.MCPServer) (*acp.LoadSessionResult, error)
	Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (*acp.PromptResult, error)
	Cancel(sessionID string)
	SetMode(ctx context.Context, sessionID, modeID string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	SupportsLoadSession() bool
}

// ManagerConfig defines the configuration interface required by Manager.
//
// *config.Config satisfies this interface implicitly.
type ManagerConfig interface {
	WireMCPServers() []acp.MCPServer
}

// Callbacks are the events the manager emits toward its host.
//
// Callback Threading Model:
// Callbacks fire from the connection's read loop and from RPC
// goroutines. Implementations must return quickly and must not call
// back into the Manager.
type Callbacks struct {
	// OnSessionChange fires on identity commit and on title adoption,
	// with the session's view before and after.
	OnSessionChange func(change SessionChange)

	// OnOptionsChanged fires when mode or model values change, whether
	// the change originated with the user or the agent.
	OnOptionsChanged func(change OptionsChange)

	// OnNotification re-emits the live update stream after manager
	// routing. Updates captured while a session load is replaying
	// history are delivered through the load's result instead.
	OnNotification func(n *acp.SessionNotification)
}

// Manager handles session lifecycle on one agent connection. It owns
// the active-session map and the alias table; no other component
// mutates them.
type Manager struct {
	conn  AgentConnection
	cfg   ManagerConfig
	store *store.Store
	perms *permission.Coordinator
	cb    Callbacks
	log   *slog.Logger

	gate      *workspace.Gate
	terminals *terminal.Manager

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by protocol session id
	aliases  map[string]string   // draft key -> protocol session id
	replays  map[string]*replayCollector
}

// replayCollector captures one session's updates while a load RPC is in
// flight.
type replayCollector struct {
	updates []acp.SessionUpdate
}

// NewManager creates a session manager for one agent connection. Wire
// HandleNotification and HandleStopped into the connection's callbacks.
func NewManager(conn AgentConnection, cfg ManagerConfig, st *store.Store, perms *permission.Coordinator, cb Callbacks) *Manager {
	return &Manager{
		conn:     conn,
		cfg:      cfg,
		store:    st,
		perms:    perms,
		cb:       cb,
		log:      logger.WithComponent("manager"),
		sessions: make(map[string]*Session),
		aliases:  make(map[string]string),
		replays:  make(map[string]*replayCollector),
	}
}

// SetGate wires the workspace gate so session working directories are
// admitted as roots when sessions are created or resumed.
func (m *Manager) SetGate(g *workspace.Gate) {
	m.gate = g
}

// SetTerminals wires the terminal backend so closing a session sweeps
// its terminals.
func (m *Manager) SetTerminals(t *terminal.Manager) {
	m.terminals = t
}

// CreateOrGet resolves resource to a live session. A draft resource
// already aliased to a session returns that session; an unaliased draft
// creates a fresh protocol session and commits the draft's identity to
// it. A committed resource returns the live session when one exists and
// otherwise resumes it from the persisted index, returning the
// reconstructed history alongside. Create and resume are mutually
// exclusive for a given resource.
func (m *Manager) CreateOrGet(ctx context.Context, resource Resource, cwd string) (*Session, []transcript.Turn, error) {
	if sess := m.GetActive(resource); sess != nil {
		return sess, nil, nil
	}
	if resource.Ephemeral {
		sess, err := m.create(ctx, resource, cwd)
		return sess, nil, err
	}
	return m.resume(ctx, resource.Key, cwd)
}

// create starts a fresh protocol session for a draft resource and
// commits the draft to the agent-assigned id.
func (m *Manager) create(ctx context.Context, resource Resource, cwd string) (*Session, error) {
	res, err := m.conn.CreateSession(ctx, cwd, m.cfg.WireMCPServers())
	if err != nil {
		return nil, err
	}
	log := logger.WithSession(res.SessionID)

	original := SessionView{
		AgentID:  m.conn.AgentID(),
		Resource: resource,
		Status:   StatusIdle,
		Cwd:      cwd,
	}

	sess := newSession(m.conn.AgentID(), SessionResource(res.SessionID), res.SessionID, cwd)
	updates := sess.setCatalogs(res.Modes, res.Models)

	m.mu.Lock()
	m.sessions[res.SessionID] = sess
	m.aliases[resource.Key] = res.SessionID
	m.mu.Unlock()

	m.admitRoot(cwd)
	m.persist(sess)
	log.Info("session created", "draft", resource.Key, "cwd", cwd)

	if m.cb.OnSessionChange != nil {
		m.cb.OnSessionChange(SessionChange{Original: original, Modified: sess.View()})
	}
	m.emitOptions(sess, updates)
	return sess, nil
}

// resume loads a persisted session and reconstructs its history from
// the updates the agent replays while the load RPC is in flight.
func (m *Manager) resume(ctx context.Context, sessionID, cwd string) (*Session, []transcript.Turn, error) {
	log := logger.WithSession(sessionID)

	rec, err := m.store.Get(m.conn.AgentID(), sessionID)
	if err != nil {
		return nil, nil, err
	}
	if cwd == "" {
		cwd = rec.Cwd
	}

	// Subscribe before issuing the RPC so no replayed update is missed,
	// and collect until it settles.
	rc := &replayCollector{}
	m.mu.Lock()
	m.replays[sessionID] = rc
	m.mu.Unlock()

	res, err := m.conn.LoadSession(ctx, sessionID, cwd, m.cfg.WireMCPServers())

	m.mu.Lock()
	delete(m.replays, sessionID)
	collected := rc.updates
	m.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}

	sess := newSession(m.conn.AgentID(), SessionResource(sessionID), sessionID, cwd)
	sess.setTitle(rec.Title)
	updates := sess.setCatalogs(res.Modes, res.Models)

	// A replayed title wins over the stored record.
	for _, u := range collected {
		if u.Kind == acp.UpdateSessionInfo && u.SessionInfo != nil {
			sess.setTitle(u.SessionInfo.Title)
		}
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	m.admitRoot(cwd)
	m.persist(sess)
	log.Info("session resumed", "replayed", len(collected))

	turns, _ := transcript.FromUpdates(collected)
	m.emitOptions(sess, updates)
	return sess, turns, nil
}

// GetActive resolves resource through the alias table and returns the
// live session, or nil. A draft key resolves to its committed session
// once identity commit has occurred.
func (m *Manager) GetActive(resource Resource) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := resource.Key
	if resource.Ephemeral {
		committed, ok := m.aliases[key]
		if !ok {
			return nil
		}
		key = committed
	}
	return m.sessions[key]
}

// Prompt runs one user turn on the resource's session, binding p (when
// non-nil) as the permission prompter for the turn's duration. It
// blocks until the agent ends the turn and returns the stop reason.
// Starting a new prompt supersedes any turn still in flight on the
// same session.
func (m *Manager) Prompt(ctx context.Context, resource Resource, blocks []acp.ContentBlock, p permission.Prompter) (acp.StopReason, error) {
	sess := m.GetActive(resource)
	if sess == nil {
		return "", &acp.NotFoundError{Kind: "session", Key: resource.Key}
	}
	log := logger.WithSession(sess.SessionID)

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := &inFlightRequest{cancel: cancel}
	if p != nil {
		rec.dispose = m.perms.Bind(sess.SessionID, p)
	}
	if prev := sess.swapInFlight(rec); prev != nil {
		log.Debug("superseding in-flight turn")
		prev.abort()
	}
	sess.markAsInProgress()

	res, err := m.conn.Prompt(promptCtx, sess.SessionID, blocks)

	current := sess.clearInFlight(rec)
	if rec.dispose != nil {
		rec.dispose()
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			err = &acp.CancellationError{SessionID: sess.SessionID}
		}
		if current {
			if acp.IsCancellation(err) {
				sess.markAsCompleted()
			} else {
				log.Error("turn failed", "error", err)
				sess.markAsFailed()
			}
			m.persist(sess)
		}
		return "", err
	}

	if current {
		sess.markAsCompleted()
		m.persist(sess)
	}
	log.Debug("turn ended", "stopReason", res.StopReason)
	return res.StopReason, nil
}

// CancelPrompt aborts the in-flight turn for resource: it sends the
// protocol cancel notification (best effort), cancels the turn's RPC
// handle, and disposes the turn's permission binding so no awaiting
// prompt survives the cancelled turn.
func (m *Manager) CancelPrompt(resource Resource) {
	sess := m.GetActive(resource)
	if sess == nil {
		return
	}
	logger.WithSession(sess.SessionID).Info("cancelling turn")
	m.conn.Cancel(sess.SessionID)
	sess.currentInFlight().abort()
}

// ChangeMode selects a mode for the resource's session, awaiting the
// agent's acknowledgement before adopting the value locally.
func (m *Manager) ChangeMode(ctx context.Context, resource Resource, modeID string) error {
	sess := m.GetActive(resource)
	if sess == nil {
		return &acp.NotFoundError{Kind: "session", Key: resource.Key}
	}
	if err := m.conn.SetMode(ctx, sess.SessionID, modeID); err != nil {
		return err
	}
	if sess.setModeID(modeID) {
		m.emitOptions(sess, []OptionUpdate{{OptionID: OptionMode, Value: modeID}})
	}
	return nil
}

// ChangeModel selects a model for the resource's session, awaiting the
// agent's acknowledgement before adopting the value locally.
func (m *Manager) ChangeModel(ctx context.Context, resource Resource, modelID string) error {
	sess := m.GetActive(resource)
	if sess == nil {
		return &acp.NotFoundError{Kind: "session", Key: resource.Key}
	}
	if err := m.conn.SetModel(ctx, sess.SessionID, modelID); err != nil {
		return err
	}
	if sess.setModelID(modelID) {
		m.emitOptions(sess, []OptionUpdate{{OptionID: OptionModel, Value: modelID}})
	}
	return nil
}

// HandleNotification consumes the connection's update stream: replay
// collection during loads, option and title adoption, then re-emission
// to the host. Wire it to ConnectionCallbacks.OnSessionUpdate.
func (m *Manager) HandleNotification(n *acp.SessionNotification) {
	m.mu.Lock()
	if rc, ok := m.replays[n.SessionID]; ok {
		rc.updates = append(rc.updates, n.Update)
		m.mu.Unlock()
		return
	}
	sess := m.sessions[n.SessionID]
	m.mu.Unlock()

	if sess != nil {
		switch n.Update.Kind {
		case acp.UpdateCurrentMode:
			// Agent-originated change: adopt and emit, never echo a
			// set_mode back.
			if u := n.Update.CurrentMode; u != nil && sess.setModeID(u.CurrentModeID) {
				m.emitOptions(sess, []OptionUpdate{{OptionID: OptionMode, Value: u.CurrentModeID}})
			}
		case acp.UpdateCurrentModel:
			if u := n.Update.CurrentModel; u != nil && sess.setModelID(u.CurrentModelID) {
				m.emitOptions(sess, []OptionUpdate{{OptionID: OptionModel, Value: u.CurrentModelID}})
			}
		case acp.UpdateSessionInfo:
			if u := n.Update.SessionInfo; u != nil {
				original := sess.View()
				if sess.setTitle(u.Title) {
					m.persist(sess)
					if m.cb.OnSessionChange != nil {
						m.cb.OnSessionChange(SessionChange{Original: original, Modified: sess.View()})
					}
				}
			}
		}
	}

	if m.cb.OnNotification != nil {
		m.cb.OnNotification(n)
	}
}

// HandleStopped consumes the connection's stop event: every session on
// the connection is marked failed, its in-flight turn aborted, and its
// permission binding cleared. Sessions on other connections are
// unaffected. Wire it to ConnectionCallbacks.OnStopped.
func (m *Manager) HandleStopped(err error) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	if err != nil {
		m.log.Error("agent stopped", "error", err, "sessions", len(sessions))
	} else {
		m.log.Info("agent stopped", "sessions", len(sessions))
	}

	for _, sess := range sessions {
		// Take the record out before aborting so the woken turn sees
		// itself superseded and leaves the failed status alone.
		sess.swapInFlight(nil).abort()
		sess.markAsFailed()
		m.perms.ClearSession(sess.SessionID)
	}
}

// CloseSession evicts the resource's live session: the in-flight turn
// is aborted, its prompter unbound, and its terminals released. The
// persisted index record survives for a later resume.
func (m *Manager) CloseSession(resource Resource) {
	m.mu.Lock()
	key := resource.Key
	if resource.Ephemeral {
		key = m.aliases[key]
	}
	sess := m.sessions[key]
	if sess == nil {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	for alias, target := range m.aliases {
		if target == key {
			delete(m.aliases, alias)
		}
	}
	m.mu.Unlock()

	sess.swapInFlight(nil).abort()
	m.perms.ClearSession(key)
	if m.terminals != nil {
		m.terminals.ReleaseSession(key)
	}
	logger.WithSession(key).Info("session closed")
}

// DeleteSession closes the resource's session and removes its persisted
// record along with its allow-always grants.
func (m *Manager) DeleteSession(resource Resource) error {
	sessionID := resource.Key
	if sess := m.GetActive(resource); sess != nil {
		sessionID = sess.SessionID
	}
	m.CloseSession(resource)
	m.perms.ForgetSession(sessionID)
	return m.store.Delete(m.conn.AgentID(), sessionID)
}

// Sessions returns a snapshot of every live session.
func (m *Manager) Sessions() []SessionView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]SessionView, 0, len(m.sessions))
	for _, s := range m.sessions {
		views = append(views, s.View())
	}
	return views
}

// Records lists this agent's persisted session records, newest first.
func (m *Manager) Records() ([]store.Record, error) {
	all, err := m.store.List()
	if err != nil {
		return nil, err
	}

	agentID := m.conn.AgentID()
	var records []store.Record
	for _, r := range all {
		if r.AgentType == agentID {
			records = append(records, r)
		}
	}
	return records, nil
}

// emitOptions fires one options-changed event when updates is
// non-empty.
func (m *Manager) emitOptions(sess *Session, updates []OptionUpdate) {
	if len(updates) == 0 || m.cb.OnOptionsChanged == nil {
		return
	}
	m.cb.OnOptionsChanged(OptionsChange{Resource: sess.View().Resource, Updates: updates})
}

// persist writes the session's index record. Failures are logged; the
// index is only eventually consistent with the last successful write.
func (m *Manager) persist(sess *Session) {
	v := sess.View()
	rec := store.Record{
		AgentType: v.AgentID,
		SessionID: v.SessionID,
		Cwd:       v.Cwd,
		Title:     v.Title,
		UpdatedAt: v.UpdatedAt,
	}
	if err := m.store.Put(rec); err != nil {
		logger.WithSession(v.SessionID).Warn("failed to write session record", "error", err)
	}
}

// admitRoot opens the session's working directory to agent file and
// terminal access.
func (m *Manager) admitRoot(cwd string) {
	if m.gate == nil || cwd == "" {
		return
	}
	if err := m.gate.AddRoot(cwd); err != nil {
		m.log.Warn("could not admit session cwd as workspace root", "cwd", cwd, "error", err)
	}
}
