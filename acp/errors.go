package acp

import (
	"errors"
	"fmt"
)

// ConnectionError indicates the agent process could not be spawned, the
// initialize handshake failed, or the wire channel broke while a call was
// in flight.
type ConnectionError struct {
	AgentID string
	Op      string // "spawn", "handshake", "call", "closed"
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Op, e.Err)
	}
	return fmt.Sprintf("agent %s: %s failed", e.AgentID, e.Op)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed frame, an unknown correlation id, or
// a result that violates the protocol contract.
type ProtocolError struct {
	Method string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Method != "" {
		msg += " in " + e.Method
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PermissionDeniedError indicates the user (or policy) rejected an operation
// the agent asked to perform.
type PermissionDeniedError struct {
	Operation string
}

func (e *PermissionDeniedError) Error() string {
	if e.Operation == "" {
		return "permission denied"
	}
	return fmt.Sprintf("permission denied: %s", e.Operation)
}

// ResourceConstraintError indicates a workspace or limit violation, such as
// an access outside the session root or a protected path.
type ResourceConstraintError struct {
	Resource string
	Reason   string
}

func (e *ResourceConstraintError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("constraint violated: %s", e.Reason)
	}
	return fmt.Sprintf("constraint violated for %s: %s", e.Resource, e.Reason)
}

// NotFoundError indicates a lookup for a session, record, or terminal that
// does not exist.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// CancellationError indicates a turn ended because the user cancelled it.
// This is a normal early exit, not a fault.
type CancellationError struct {
	SessionID string
}

func (e *CancellationError) Error() string {
	if e.SessionID == "" {
		return "operation cancelled"
	}
	return fmt.Sprintf("operation cancelled for session %s", e.SessionID)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsCancellation reports whether err wraps a CancellationError.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}

// UserMessage returns a single human-readable line for err, preferring the
// most specific protocol error in the chain. Callers surface this string
// directly; nested causes stay in logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		cancelErr *CancellationError
		permErr   *PermissionDeniedError
		nfErr     *NotFoundError
		resErr    *ResourceConstraintError
		protoErr  *ProtocolError
		connErr   *ConnectionError
	)
	switch {
	case errors.As(err, &cancelErr):
		return cancelErr.Error()
	case errors.As(err, &permErr):
		return permErr.Error()
	case errors.As(err, &nfErr):
		return nfErr.Error()
	case errors.As(err, &resErr):
		return resErr.Error()
	case errors.As(err, &protoErr):
		return protoErr.Error()
	case errors.As(err, &connErr):
		return connErr.Error()
	}
	return err.Error()
}
