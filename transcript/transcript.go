// Package transcript reconstructs ordered conversation turns from a
// session's update stream. The wire protocol interleaves content at
// arbitrary granularity; the Builder re-groups it into strictly
// alternating user/agent turns, tracks tool calls across partial
// updates, and renders completed tool calls with structured diffs.
package transcript

import (
	"encoding/json"

	"github.com/zhubert/relay-core/acp"
	"github.com/zhubert/relay-core/diff"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// BlockKind discriminates the elements within a turn.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockThought BlockKind = "thought"
	BlockTool    BlockKind = "tool"
)

// Block is one rendered element of a turn. Text holds the content for
// text and thought blocks; Tool is set for tool blocks.
type Block struct {
	Kind BlockKind
	Text string
	Tool *ToolResult
}

// Turn is one user or agent conversational unit.
type Turn struct {
	Role   Role
	Blocks []Block
}

// ToolResult is the rendering of a tool call at the moment it left the
// open set: usually terminal, or still in progress if the stream ended
// mid-call.
type ToolResult struct {
	ToolCallID string
	Title      string
	Kind       acp.ToolKind
	Status     acp.ToolCallStatus
	Failed     bool
	Summary    string
	Output     string
	Diffs      []FileDiff
	TerminalID string
	GroupID    string
}

// FileDiff is a structured diff attached to a tool call. Script is nil
// when the texts were too large for a line-by-line script; Stats is
// populated either way.
type FileDiff struct {
	Path   string
	Script diff.Script
	Stats  diff.Stats
}

// toolCall tracks one open tool call between updates. Later updates
// overwrite fields they carry; absent fields keep their previous value.
type toolCall struct {
	id       string
	title    string
	kind     acp.ToolKind
	status   acp.ToolCallStatus
	rawInput json.RawMessage
	content  []acp.ToolCallContent
}

// Builder accumulates one session's updates into turns. Not safe for
// concurrent use; callers serialize on the notification stream's order.
type Builder struct {
	userBuf     string
	agentBlocks []Block

	open      map[string]*toolCall
	openOrder []string
	done      map[string]bool

	plan  []acp.PlanEntry
	turns []Turn
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		open: make(map[string]*toolCall),
		done: make(map[string]bool),
	}
}

// FromUpdates replays a recorded update sequence into a finished
// transcript plus the final plan snapshot.
func FromUpdates(updates []acp.SessionUpdate) ([]Turn, []acp.PlanEntry) {
	b := NewBuilder()
	for i := range updates {
		b.Handle(updates[i])
	}
	return b.Finish(), b.Plan()
}

// Handle consumes one update in stream order.
func (b *Builder) Handle(u acp.SessionUpdate) {
	switch u.Kind {
	case acp.UpdateUserMessageChunk:
		b.flushAgent()
		if u.MessageChunk != nil {
			b.userBuf += blockText(u.MessageChunk.Content)
		}
	case acp.UpdateAgentMessageChunk:
		b.flushUser()
		if u.MessageChunk != nil {
			b.appendAgent(BlockText, blockText(u.MessageChunk.Content))
		}
	case acp.UpdateAgentThoughtChunk:
		b.flushUser()
		if u.MessageChunk != nil {
			b.appendAgent(BlockThought, blockText(u.MessageChunk.Content))
		}
	case acp.UpdateToolCall, acp.UpdateToolCallUpdate:
		b.flushUser()
		if u.ToolCall != nil {
			b.mergeTool(u.ToolCall)
		}
	case acp.UpdatePlan:
		if u.Plan != nil {
			b.plan = append([]acp.PlanEntry(nil), u.Plan.Entries...)
		}
	default:
		// Mode, model, info, and unknown kinds carry no transcript
		// content.
	}
}

// Turns returns the completed turns so far. Content still being
// accumulated is not included; call Finish to flush it.
func (b *Builder) Turns() []Turn {
	return append([]Turn(nil), b.turns...)
}

// Plan returns the latest plan snapshot.
func (b *Builder) Plan() []acp.PlanEntry {
	return append([]acp.PlanEntry(nil), b.plan...)
}

// Finish flushes pending text and any still-open tool calls, then
// returns the full turn list. The Builder remains usable; subsequent
// updates start a new turn.
func (b *Builder) Finish() []Turn {
	b.flushUser()
	for _, id := range b.openOrder {
		if rec, ok := b.open[id]; ok {
			b.finalizeTool(rec)
			delete(b.open, id)
		}
	}
	b.openOrder = nil
	b.flushAgent()
	return b.Turns()
}

func (b *Builder) flushUser() {
	if b.userBuf == "" {
		return
	}
	b.turns = append(b.turns, Turn{
		Role:   RoleUser,
		Blocks: []Block{{Kind: BlockText, Text: b.userBuf}},
	})
	b.userBuf = ""
}

func (b *Builder) flushAgent() {
	if len(b.agentBlocks) == 0 {
		return
	}
	b.turns = append(b.turns, Turn{Role: RoleAgent, Blocks: b.agentBlocks})
	b.agentBlocks = nil
}

// appendAgent merges consecutive chunks of the same kind into one block.
func (b *Builder) appendAgent(kind BlockKind, text string) {
	if text == "" {
		return
	}
	if n := len(b.agentBlocks); n > 0 && b.agentBlocks[n-1].Kind == kind {
		b.agentBlocks[n-1].Text += text
		return
	}
	b.agentBlocks = append(b.agentBlocks, Block{Kind: kind, Text: text})
}

// mergeTool applies a tool_call or tool_call_update. Agents may skip the
// initial announcement, so an update for an unknown id opens the record.
func (b *Builder) mergeTool(tc *acp.ToolCallUpdate) {
	if tc.ToolCallID == "" || b.done[tc.ToolCallID] {
		return
	}

	rec, ok := b.open[tc.ToolCallID]
	if !ok {
		rec = &toolCall{id: tc.ToolCallID}
		b.open[tc.ToolCallID] = rec
		b.openOrder = append(b.openOrder, tc.ToolCallID)
	}

	if tc.Title != "" {
		rec.title = tc.Title
	}
	if tc.Kind != "" {
		rec.kind = tc.Kind
	}
	if tc.Status != "" {
		rec.status = tc.Status
	}
	if len(tc.RawInput) > 0 {
		rec.rawInput = tc.RawInput
	}
	if len(tc.Content) > 0 {
		rec.content = tc.Content
	}

	if rec.status.Terminal() {
		b.finalizeTool(rec)
		b.removeOpen(rec.id)
	}
}

func (b *Builder) removeOpen(id string) {
	delete(b.open, id)
	for i, other := range b.openOrder {
		if other == id {
			b.openOrder = append(b.openOrder[:i], b.openOrder[i+1:]...)
			break
		}
	}
}

// finalizeTool renders the record as a tool block on the current agent
// turn and marks the id done so late duplicate updates are ignored.
func (b *Builder) finalizeTool(rec *toolCall) {
	result := &ToolResult{
		ToolCallID: rec.id,
		Title:      rec.title,
		Kind:       rec.kind,
		Status:     rec.status,
		Failed:     rec.status == acp.ToolFailed,
		GroupID:    groupID(rec.rawInput),
	}
	result.Summary = summarize(rec.kind, result.Failed)

	var output string
	for _, c := range rec.content {
		switch c.Type {
		case "content":
			if c.Content != nil {
				if text := blockText(*c.Content); text != "" {
					if output != "" {
						output += "\n"
					}
					output += text
				}
			}
		case "diff":
			oldText := ""
			if c.OldText != nil {
				oldText = *c.OldText
			}
			if oldText == c.NewText {
				continue
			}
			fd := FileDiff{Path: c.Path, Script: diff.Compute(oldText, c.NewText)}
			if fd.Script != nil {
				fd.Stats = fd.Script.Stats()
			} else {
				fd.Stats = diff.ApproxStats(oldText, c.NewText)
			}
			result.Diffs = append(result.Diffs, fd)
		case "terminal":
			result.TerminalID = c.TerminalID
		}
	}
	result.Output = output

	b.agentBlocks = append(b.agentBlocks, Block{Kind: BlockTool, Tool: result})
	b.done[rec.id] = true
}

// summaryVerbs maps a tool kind to its completed-action verb.
var summaryVerbs = map[acp.ToolKind]string{
	acp.ToolKindRead:    "Read",
	acp.ToolKindEdit:    "Edited",
	acp.ToolKindDelete:  "Deleted",
	acp.ToolKindMove:    "Moved",
	acp.ToolKindSearch:  "Searched",
	acp.ToolKindExecute: "Ran",
	acp.ToolKindThink:   "Thought",
	acp.ToolKindFetch:   "Fetched",
}

func summarize(kind acp.ToolKind, failed bool) string {
	verb, ok := summaryVerbs[kind]
	if !ok {
		verb = "Used tool"
	}
	if failed {
		return verb + " (failed)"
	}
	return verb
}

// groupID extracts the sub-agent grouping id when the tool input carries
// one. Both field spellings occur in the wild.
func groupID(rawInput json.RawMessage) string {
	if len(rawInput) == 0 {
		return ""
	}
	var probe struct {
		Snake string `json:"parent_tool_use_id"`
		Camel string `json:"parentToolUseId"`
	}
	if err := json.Unmarshal(rawInput, &probe); err != nil {
		return ""
	}
	if probe.Snake != "" {
		return probe.Snake
	}
	return probe.Camel
}

// blockText renders one content block as plain text.
func blockText(cb acp.ContentBlock) string {
	switch cb.Type {
	case "text":
		return cb.Text
	case "resource_link":
		if cb.Name != "" {
			return cb.Name
		}
		return cb.URI
	case "image":
		return "[image]"
	case "audio":
		return "[audio]"
	default:
		return cb.Text
	}
}
