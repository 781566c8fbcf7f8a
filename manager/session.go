package manager

import (
	"context"
	"sync"
	"time"

	"github.com/zhubert/relay-core/acp"
)

// Session holds all state for one live conversation in one place.
//
// Thread Safety:
// Session has an internal mutex protecting every field. Use the
// thread-safe accessors for single fields and View for a consistent
// snapshot of several. The Manager's mutex protects the map of
// sessions, while each Session's mutex protects its own fields.
type Session struct {
	mu sync.Mutex // Protects all fields below

	AgentID   string
	Resource  Resource
	SessionID string // Protocol session id; never changes once assigned
	Status    Status
	Title     string
	Cwd       string

	// Negotiated option catalogs, nil until a create or load result
	// delivers them.
	Modes  *acp.SessionModeState
	Models *acp.SessionModelState

	UpdatedAt time.Time

	// inFlight is the at-most-one outstanding prompt round-trip.
	inFlight *inFlightRequest
}

// inFlightRequest tracks one outstanding prompt round-trip: the handle
// that aborts its RPC and the disposer of its permission binding.
type inFlightRequest struct {
	cancel  context.CancelFunc
	dispose func()
}

// abort cancels the round-trip and releases its permission binding,
// which resolves any outstanding prompt as cancelled. Safe on nil.
func (r *inFlightRequest) abort() {
	if r == nil {
		return
	}
	r.cancel()
	if r.dispose != nil {
		r.dispose()
	}
}

// newSession constructs an idle session.
func newSession(agentID string, resource Resource, sessionID, cwd string) *Session {
	return &Session{
		AgentID:   agentID,
		Resource:  resource,
		SessionID: sessionID,
		Status:    StatusIdle,
		Cwd:       cwd,
		UpdatedAt: time.Now(),
	}
}

// View returns a consistent snapshot of the session.
// Thread-safe.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := SessionView{
		AgentID:   s.AgentID,
		Resource:  s.Resource,
		SessionID: s.SessionID,
		Status:    s.Status,
		Title:     s.Title,
		Cwd:       s.Cwd,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Modes != nil {
		v.ModeID = s.Modes.CurrentModeID
	}
	if s.Models != nil {
		v.ModelID = s.Models.CurrentModelID
	}
	return v
}

// GetStatus returns the current status.
// Thread-safe.
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status
}

// GetTitle returns the current title.
// Thread-safe.
func (s *Session) GetTitle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Title
}

// markAsInProgress, markAsCompleted, and markAsFailed are the only
// mutators of Status. Each refreshes UpdatedAt.

func (s *Session) markAsInProgress() {
	s.setStatus(StatusRunning)
}

func (s *Session) markAsCompleted() {
	s.setStatus(StatusCompleted)
}

func (s *Session) markAsFailed() {
	s.setStatus(StatusFailed)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.UpdatedAt = time.Now()
}

// setTitle adopts a title, reporting whether the value changed.
// Thread-safe.
func (s *Session) setTitle(title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if title == "" || s.Title == title {
		return false
	}
	s.Title = title
	s.UpdatedAt = time.Now()
	return true
}

// setCatalogs installs the negotiated option catalogs and returns the
// option values that changed relative to the session's prior state.
// Thread-safe.
func (s *Session) setCatalogs(modes *acp.SessionModeState, models *acp.SessionModelState) []OptionUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updates []OptionUpdate
	if modes != nil {
		prev := ""
		if s.Modes != nil {
			prev = s.Modes.CurrentModeID
		}
		if modes.CurrentModeID != prev {
			updates = append(updates, OptionUpdate{OptionID: OptionMode, Value: modes.CurrentModeID})
		}
		s.Modes = modes
	}
	if models != nil {
		prev := ""
		if s.Models != nil {
			prev = s.Models.CurrentModelID
		}
		if models.CurrentModelID != prev {
			updates = append(updates, OptionUpdate{OptionID: OptionModel, Value: models.CurrentModelID})
		}
		s.Models = models
	}
	return updates
}

// setModeID records a mode selection, reporting whether the value
// changed.
// Thread-safe.
func (s *Session) setModeID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Modes == nil {
		if id == "" {
			return false
		}
		s.Modes = &acp.SessionModeState{CurrentModeID: id}
		return true
	}
	if s.Modes.CurrentModeID == id {
		return false
	}
	s.Modes.CurrentModeID = id
	return true
}

// setModelID records a model selection, reporting whether the value
// changed.
// Thread-safe.
func (s *Session) setModelID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Models == nil {
		if id == "" {
			return false
		}
		s.Models = &acp.SessionModelState{CurrentModelID: id}
		return true
	}
	if s.Models.CurrentModelID == id {
		return false
	}
	s.Models.CurrentModelID = id
	return true
}

// swapInFlight installs rec as the in-flight request and returns the
// previous one. Installing first and aborting the returned record
// after keeps at most one live round-trip per session at every
// observation point.
// Thread-safe.
func (s *Session) swapInFlight(rec *inFlightRequest) *inFlightRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.inFlight
	s.inFlight = rec
	return prev
}

// clearInFlight removes rec if it is still current, reporting whether
// it was. A turn that has been superseded must not touch session
// status on its way out.
// Thread-safe.
func (s *Session) clearInFlight(rec *inFlightRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != rec {
		return false
	}
	s.inFlight = nil
	return true
}

// currentInFlight returns the live in-flight record, or nil.
// Thread-safe.
func (s *Session) currentInFlight() *inFlightRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}
