package acp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the protocol revision this client speaks.
const ProtocolVersion = 1

// Methods initiated by the client.
const (
	methodInitialize    = "initialize"
	methodSessionNew    = "session/new"
	methodSessionLoad   = "session/load"
	methodSessionPrompt = "session/prompt"
	methodSessionCancel = "session/cancel"
	methodSetMode       = "session/set_mode"
	methodSetModel      = "session/set_model"
)

// Methods initiated by the agent.
const (
	methodSessionUpdate     = "session/update"
	methodRequestPermission = "session/request_permission"
	methodReadTextFile      = "fs/read_text_file"
	methodWriteTextFile     = "fs/write_text_file"
	methodTerminalCreate    = "terminal/create"
	methodTerminalOutput    = "terminal/output"
	methodTerminalWait      = "terminal/wait_for_exit"
	methodTerminalKill      = "terminal/kill"
	methodTerminalRelease   = "terminal/release"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// wireMessage is the single frame shape for everything on the wire.
// Classification:
//   - Method set, ID absent: notification
//   - Method set, ID present: request from the agent
//   - Method absent: response to one of our requests
//
// ID is kept raw so responses echo the exact id value (and type) the
// agent sent.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the JSON-RPC error member of a response frame.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// InitializeParams is the capability handshake the client opens with.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities advertises which agent-initiated services this client
// will accept.
type ClientCapabilities struct {
	FS       *FSCapabilities `json:"fs,omitempty"`
	Terminal bool            `json:"terminal,omitempty"`
}

// FSCapabilities advertises file system access.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
	AuthMethods       []AuthMethod      `json:"authMethods,omitempty"`
}

// AgentCapabilities describes what the agent supports.
type AgentCapabilities struct {
	LoadSession        bool                `json:"loadSession,omitempty"`
	PromptCapabilities *PromptCapabilities `json:"promptCapabilities,omitempty"`
}

// PromptCapabilities describes the content block types the agent accepts
// in prompts beyond plain text.
type PromptCapabilities struct {
	Image           bool `json:"image,omitempty"`
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContext bool `json:"embeddedContext,omitempty"`
}

// AuthMethod is an authentication scheme offered by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// EnvVariable is a name/value pair passed to spawned processes.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// MCPServer is a tool server entry passed through to the agent verbatim.
type MCPServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Env     []EnvVariable `json:"env,omitempty"`
}

// NewSessionParams creates a fresh session rooted at Cwd.
type NewSessionParams struct {
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// NewSessionResult carries the agent-assigned session id and the option
// catalogs negotiated for it.
type NewSessionResult struct {
	SessionID string             `json:"sessionId"`
	Modes     *SessionModeState  `json:"modes,omitempty"`
	Models    *SessionModelState `json:"models,omitempty"`
}

// LoadSessionParams resumes a previously created session.
type LoadSessionParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	MCPServers []MCPServer `json:"mcpServers"`
}

// LoadSessionResult carries the option catalogs for the resumed session.
type LoadSessionResult struct {
	Modes  *SessionModeState  `json:"modes,omitempty"`
	Models *SessionModelState `json:"models,omitempty"`
}

// SessionModeState is the mode catalog plus the current selection.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// SessionMode is one entry in the mode catalog.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionModelState is the model catalog plus the current selection.
type SessionModelState struct {
	CurrentModelID  string      `json:"currentModelId"`
	AvailableModels []ModelInfo `json:"availableModels"`
}

// ModelInfo is one entry in the model catalog.
type ModelInfo struct {
	ModelID     string `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PromptParams submits one user turn.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult reports how the agent's turn ended.
type PromptResult struct {
	StopReason StopReason `json:"stopReason"`
}

// StopReason is the agent's reason for ending a turn.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
	StopRefusal         StopReason = "refusal"
	StopCancelled       StopReason = "cancelled"
)

// CancelParams asks the agent to abort the in-flight turn. Sent as a
// notification; the prompt call itself returns with StopCancelled.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetModeParams selects a mode from the session's catalog.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModelParams selects a model from the session's catalog.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// ContentBlock is a single piece of prompt or message content.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "audio", "resource_link"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for image/audio
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// TextPrompt builds a single-block prompt from plain text.
func TextPrompt(text string) []ContentBlock {
	return []ContentBlock{TextBlock(text)}
}

// SessionNotification is the params shape of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// UpdateKind discriminates the session/update union.
type UpdateKind string

const (
	UpdateUserMessageChunk  UpdateKind = "user_message_chunk"
	UpdateAgentMessageChunk UpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk UpdateKind = "agent_thought_chunk"
	UpdateToolCall          UpdateKind = "tool_call"
	UpdateToolCallUpdate    UpdateKind = "tool_call_update"
	UpdatePlan              UpdateKind = "plan"
	UpdateCurrentMode       UpdateKind = "current_mode_update"
	UpdateCurrentModel      UpdateKind = "current_model_update"
	UpdateSessionInfo       UpdateKind = "session_info_update"
)

// SessionUpdate is the decoded session/update payload. Exactly one of the
// pointer fields is set for known kinds; unknown kinds keep only Kind and
// Raw so consumers can skip them without error.
type SessionUpdate struct {
	Kind         UpdateKind
	MessageChunk *MessageChunk
	ToolCall     *ToolCallUpdate
	Plan         *PlanUpdate
	CurrentMode  *CurrentModeUpdate
	CurrentModel *CurrentModelUpdate
	SessionInfo  *SessionInfoUpdate
	Raw          json.RawMessage
}

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind UpdateKind `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	u.Kind = probe.Kind
	u.Raw = append(json.RawMessage(nil), data...)

	switch probe.Kind {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		u.MessageChunk = &MessageChunk{}
		return json.Unmarshal(data, u.MessageChunk)
	case UpdateToolCall, UpdateToolCallUpdate:
		u.ToolCall = &ToolCallUpdate{}
		return json.Unmarshal(data, u.ToolCall)
	case UpdatePlan:
		u.Plan = &PlanUpdate{}
		return json.Unmarshal(data, u.Plan)
	case UpdateCurrentMode:
		u.CurrentMode = &CurrentModeUpdate{}
		return json.Unmarshal(data, u.CurrentMode)
	case UpdateCurrentModel:
		u.CurrentModel = &CurrentModelUpdate{}
		return json.Unmarshal(data, u.CurrentModel)
	case UpdateSessionInfo:
		u.SessionInfo = &SessionInfoUpdate{}
		return json.Unmarshal(data, u.SessionInfo)
	}

	// Unknown kind: retained raw for forward compatibility.
	return nil
}

func (u SessionUpdate) MarshalJSON() ([]byte, error) {
	if len(u.Raw) > 0 {
		return u.Raw, nil
	}

	switch u.Kind {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		return marshalTagged(u.Kind, u.MessageChunk)
	case UpdateToolCall, UpdateToolCallUpdate:
		return marshalTagged(u.Kind, u.ToolCall)
	case UpdatePlan:
		return marshalTagged(u.Kind, u.Plan)
	case UpdateCurrentMode:
		return marshalTagged(u.Kind, u.CurrentMode)
	case UpdateCurrentModel:
		return marshalTagged(u.Kind, u.CurrentModel)
	case UpdateSessionInfo:
		return marshalTagged(u.Kind, u.SessionInfo)
	}
	return nil, fmt.Errorf("cannot marshal session update of kind %q", u.Kind)
}

// marshalTagged merges the discriminator into the payload's object form.
func marshalTagged(kind UpdateKind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields["sessionUpdate"] = tag
	return json.Marshal(fields)
}

// MessageChunk is a streamed piece of a user message, agent message, or
// agent thought.
type MessageChunk struct {
	Content ContentBlock `json:"content"`
}

// ToolKind categorizes a tool call for display and permission caching.
type ToolKind string

const (
	ToolKindRead    ToolKind = "read"
	ToolKindEdit    ToolKind = "edit"
	ToolKindDelete  ToolKind = "delete"
	ToolKindMove    ToolKind = "move"
	ToolKindSearch  ToolKind = "search"
	ToolKindExecute ToolKind = "execute"
	ToolKindThink   ToolKind = "think"
	ToolKindFetch   ToolKind = "fetch"
	ToolKindOther   ToolKind = "other"
)

// ToolCallStatus tracks a tool call through its lifecycle.
type ToolCallStatus string

const (
	ToolPending    ToolCallStatus = "pending"
	ToolInProgress ToolCallStatus = "in_progress"
	ToolCompleted  ToolCallStatus = "completed"
	ToolFailed     ToolCallStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s ToolCallStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed
}

// ToolCallUpdate announces a tool call or updates one already announced.
// On updates, absent fields mean "unchanged".
type ToolCallUpdate struct {
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title,omitempty"`
	Kind       ToolKind           `json:"kind,omitempty"`
	Status     ToolCallStatus     `json:"status,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage    `json:"rawOutput,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
}

// ToolCallContent is output attached to a tool call: plain content, a file
// diff, or a reference to a terminal.
type ToolCallContent struct {
	Type       string        `json:"type"` // "content", "diff", "terminal"
	Content    *ContentBlock `json:"content,omitempty"`
	Path       string        `json:"path,omitempty"`
	OldText    *string       `json:"oldText,omitempty"`
	NewText    string        `json:"newText,omitempty"`
	TerminalID string        `json:"terminalId,omitempty"`
}

// ToolCallLocation is a file position a tool call touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// PlanUpdate replaces the session's plan snapshot.
type PlanUpdate struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is one step of the agent's plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"` // "high", "medium", "low"
	Status   string `json:"status"`             // "pending", "in_progress", "completed"
}

// CurrentModeUpdate reports a mode change decided on the agent side.
type CurrentModeUpdate struct {
	CurrentModeID string `json:"currentModeId"`
}

// CurrentModelUpdate reports a model change decided on the agent side.
type CurrentModelUpdate struct {
	CurrentModelID string `json:"currentModelId"`
}

// SessionInfoUpdate carries agent-assigned session metadata.
type SessionInfoUpdate struct {
	Title string `json:"title,omitempty"`
}

// RequestPermissionParams asks the user to approve a tool call.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallUpdate     `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOption is one button the agent offers for a permission request.
type PermissionOption struct {
	OptionID string               `json:"optionId"`
	Name     string               `json:"name"`
	Kind     PermissionOptionKind `json:"kind"`
}

// PermissionOptionKind hints at each option's effect.
type PermissionOptionKind string

const (
	AllowOnce    PermissionOptionKind = "allow_once"
	AllowAlways  PermissionOptionKind = "allow_always"
	RejectOnce   PermissionOptionKind = "reject_once"
	RejectAlways PermissionOptionKind = "reject_always"
)

// RequestPermissionResult is the user's decision.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is either a selected option or a cancellation.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // OutcomeSelected or OutcomeCancelled
	OptionID string `json:"optionId,omitempty"`
}

// Permission outcome discriminators.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionSelected builds a result selecting the given option.
func PermissionSelected(optionID string) *RequestPermissionResult {
	return &RequestPermissionResult{Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: optionID}}
}

// PermissionCancelled builds a cancelled result.
func PermissionCancelled() *RequestPermissionResult {
	return &RequestPermissionResult{Outcome: PermissionOutcome{Outcome: OutcomeCancelled}}
}

// ReadTextFileParams is an agent request to read a file. Line is 1-based;
// Line and Limit restrict the range when present.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult returns the file content.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is an agent request to write a file, creating parent
// directories as needed.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// CreateTerminalParams is an agent request to run a command in a terminal.
type CreateTerminalParams struct {
	SessionID       string        `json:"sessionId"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	Cwd             string        `json:"cwd,omitempty"`
	OutputByteLimit int           `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult returns the handle for the spawned terminal.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalOutputParams fetches the current output of a terminal.
type TerminalOutputParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResult is the terminal's buffered output so far.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// TerminalExitStatus describes how a terminal command ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// WaitForTerminalExitParams blocks until the terminal command exits.
type WaitForTerminalExitParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// WaitForTerminalExitResult is the final exit status.
type WaitForTerminalExitResult struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// KillTerminalParams force-stops the terminal command without releasing
// the handle.
type KillTerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// ReleaseTerminalParams disposes of the terminal handle, killing the
// command if still running.
type ReleaseTerminalParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}
