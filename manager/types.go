package manager

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one session.
// Using a typed enum instead of strings provides compile-time safety
// and clearer code.
type Status int

const (
	// StatusIdle indicates the session exists but no turn is running.
	StatusIdle Status = iota

	// StatusRunning indicates a prompt turn is in flight.
	StatusRunning

	// StatusCompleted indicates the last turn ended normally. A turn the
	// user cancelled counts as completed, not failed.
	StatusCompleted

	// StatusFailed indicates the last turn errored or the agent process
	// stopped underneath the session.
	StatusFailed
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resource is the externally visible handle for one conversation. A
// draft resource is ephemeral: it has a host-chosen key and no protocol
// session behind it yet. Once the agent assigns a session id, the
// session is keyed by that id and the draft key becomes an alias that
// keeps resolving to it.
type Resource struct {
	Ephemeral bool
	Key       string
}

// DraftResource returns the handle for a conversation that has no
// protocol session yet. The key is host-chosen and must be unique
// among live drafts.
func DraftResource(key string) Resource {
	return Resource{Ephemeral: true, Key: key}
}

// NewEphemeralResource returns a draft handle with a fresh unique key.
func NewEphemeralResource() Resource {
	return DraftResource(uuid.NewString())
}

// SessionResource returns the handle for a committed protocol session.
func SessionResource(sessionID string) Resource {
	return Resource{Key: sessionID}
}

// SessionView is an immutable snapshot of one session's state.
type SessionView struct {
	AgentID   string
	Resource  Resource
	SessionID string
	Status    Status
	Title     string
	Cwd       string
	ModeID    string
	ModelID   string
	UpdatedAt time.Time
}

// SessionChange reports an identity commit or a metadata change:
// Original is the session's view before, Modified the view after.
type SessionChange struct {
	Original SessionView
	Modified SessionView
}

// Option ids used in options-changed events.
const (
	OptionMode  = "mode"
	OptionModel = "model"
)

// OptionUpdate is one changed option value.
type OptionUpdate struct {
	OptionID string
	Value    string
}

// OptionsChange reports which of a session's options changed and their
// new values. Fired once per cause and only for options whose value
// actually changed.
type OptionsChange struct {
	Resource Resource
	Updates  []OptionUpdate
}
