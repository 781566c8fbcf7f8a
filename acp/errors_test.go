package acp

import (
	"errors"
	"fmt"
	"testing"
)

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := &ConnectionError{AgentID: "claude", Op: "call", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	want := "agent claude: call: broken pipe"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsNotFound(t *testing.T) {
	err := fmt.Errorf("lookup: %w", &NotFoundError{Kind: "session", Key: "sess-1"})
	if !IsNotFound(err) {
		t.Error("IsNotFound() = false, want true")
	}
	if IsNotFound(errors.New("plain")) {
		t.Error("IsNotFound(plain) = true, want false")
	}
}

func TestIsCancellation(t *testing.T) {
	err := fmt.Errorf("prompt: %w", &CancellationError{SessionID: "sess-1"})
	if !IsCancellation(err) {
		t.Error("IsCancellation() = false, want true")
	}
	if IsCancellation(errors.New("plain")) {
		t.Error("IsCancellation(plain) = true, want false")
	}
}

func TestUserMessagePrefersMostSpecific(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil",
			err:  nil,
			want: "",
		},
		{
			name: "plain error",
			err:  errors.New("something broke"),
			want: "something broke",
		},
		{
			name: "connection error",
			err:  &ConnectionError{AgentID: "claude", Op: "spawn", Err: errors.New("no such file")},
			want: "agent claude: spawn: no such file",
		},
		{
			name: "cancellation wins over connection",
			err: &ConnectionError{AgentID: "claude", Op: "call",
				Err: &CancellationError{SessionID: "sess-1"}},
			want: "operation cancelled for session sess-1",
		},
		{
			name: "permission denied through wrapping",
			err:  fmt.Errorf("write: %w", &PermissionDeniedError{Operation: "write main.go"}),
			want: "permission denied: write main.go",
		},
		{
			name: "not found",
			err:  &NotFoundError{Kind: "terminal", Key: "term-3"},
			want: "terminal not found: term-3",
		},
		{
			name: "resource constraint",
			err:  &ResourceConstraintError{Resource: "path", Reason: "outside the workspace root"},
			want: "constraint violated for path: outside the workspace root",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserMessage(tt.err); got != tt.want {
				t.Errorf("UserMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseErrorMessage(t *testing.T) {
	err := &ResponseError{Code: -32601, Message: "method not found"}
	want := "method not found (code -32601)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
