package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ItemKind discriminates timeline item variants.
type ItemKind string

const (
	ItemUserMessage        ItemKind = "user_message"
	ItemAssistantMessage   ItemKind = "assistant_message"
	ItemReasoning          ItemKind = "reasoning"
	ItemToolCall           ItemKind = "tool_call"
	ItemError              ItemKind = "error"
	ItemPlan               ItemKind = "plan"
	ItemModeUpdate         ItemKind = "mode_update"
	ItemCommandsUpdate     ItemKind = "commands_update"
	ItemPermissionResolved ItemKind = "permission_resolved"
)

// Tool call statuses.
const (
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusFailed    = "failed"
	ToolStatusCanceled  = "canceled"
)

// Reasoning statuses, set only on projected entries.
const (
	ReasoningLoading = "loading"
	ReasoningReady   = "ready"
)

// Item is a tagged variant: Kind selects which pointer field is populated.
type Item struct {
	Kind ItemKind `json:"kind"`

	UserMessage        *UserMessage        `json:"userMessage,omitempty"`
	AssistantMessage   *AssistantMessage   `json:"assistantMessage,omitempty"`
	Reasoning          *Reasoning          `json:"reasoning,omitempty"`
	ToolCall           *ToolCall           `json:"toolCall,omitempty"`
	Error              *ErrorItem          `json:"error,omitempty"`
	Plan               *Plan               `json:"plan,omitempty"`
	ModeUpdate         *ModeUpdate         `json:"modeUpdate,omitempty"`
	CommandsUpdate     *CommandsUpdate     `json:"commandsUpdate,omitempty"`
	PermissionResolved *PermissionResolved `json:"permissionResolved,omitempty"`
}

// UserMessage is a prompt sent by the user.
type UserMessage struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"` // base64 data URLs
}

// AssistantMessage is a chunk of assistant output text.
type AssistantMessage struct {
	Text string `json:"text"`
}

// Reasoning is provider "thought" channel output. Status is populated only on
// projected entries: loading while the run is still inside a reasoning span,
// ready once a non-reasoning item followed.
type Reasoning struct {
	Text   string `json:"text"`
	Status string `json:"status,omitempty"`
}

// ToolCall describes one tool invocation. A call appears once with status
// running and again with a terminal status under the same callId.
type ToolCall struct {
	CallID string     `json:"callId"`
	Name   string     `json:"name"`
	Status string     `json:"status"`
	Detail ToolDetail `json:"detail"`
	Error  string     `json:"error,omitempty"`
}

// ToolDetail kinds.
const (
	ToolDetailShell    = "shell"
	ToolDetailRead     = "read"
	ToolDetailEdit     = "edit"
	ToolDetailWrite    = "write"
	ToolDetailSearch   = "search"
	ToolDetailSubAgent = "sub_agent"
	ToolDetailUnknown  = "unknown"
)

// ToolDetail is a tagged variant describing what a tool call does.
type ToolDetail struct {
	Kind string `json:"kind"`

	Command  string `json:"command,omitempty"`  // shell
	FilePath string `json:"filePath,omitempty"` // read, edit, write
	Query    string `json:"query,omitempty"`    // search

	SubAgentType string   `json:"subAgentType,omitempty"` // sub_agent
	Description  string   `json:"description,omitempty"`
	Actions      []string `json:"actions,omitempty"`

	RawInput  json.RawMessage `json:"rawInput,omitempty"` // unknown
	RawOutput json.RawMessage `json:"rawOutput,omitempty"`
}

// ErrorItem records a turn-attributable error on the timeline.
type ErrorItem struct {
	Message string `json:"message"`
}

// Plan is the agent's task list.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanEntry is one task list row.
type PlanEntry struct {
	Content string `json:"content"`
	Status  string `json:"status"` // pending | in_progress | completed
}

// ModeUpdate records a provider-side mode change.
type ModeUpdate struct {
	ModeID string `json:"modeId"`
}

// CommandsUpdate records the provider's available slash commands.
type CommandsUpdate struct {
	Commands []Command `json:"commands"`
}

// Command is one provider slash command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PermissionResolved records the outcome of a permission request in the
// canonical log.
type PermissionResolved struct {
	RequestID string `json:"requestId"`
	Behavior  string `json:"behavior"` // allow | deny
	Message   string `json:"message,omitempty"`
}

// Validate checks the variant invariants: exactly one payload matching Kind,
// and tool call status/error coherence.
func (it *Item) Validate() error {
	switch it.Kind {
	case ItemUserMessage:
		if it.UserMessage == nil {
			return fmt.Errorf("user_message item missing payload")
		}
	case ItemAssistantMessage:
		if it.AssistantMessage == nil {
			return fmt.Errorf("assistant_message item missing payload")
		}
	case ItemReasoning:
		if it.Reasoning == nil {
			return fmt.Errorf("reasoning item missing payload")
		}
	case ItemToolCall:
		if it.ToolCall == nil {
			return fmt.Errorf("tool_call item missing payload")
		}
		tc := it.ToolCall
		if tc.Status == ToolStatusCompleted && tc.Error != "" {
			return fmt.Errorf("completed tool_call %q carries an error", tc.CallID)
		}
		if tc.Status == ToolStatusFailed && tc.Error == "" {
			return fmt.Errorf("failed tool_call %q missing error", tc.CallID)
		}
	case ItemError:
		if it.Error == nil {
			return fmt.Errorf("error item missing payload")
		}
	case ItemPlan:
		if it.Plan == nil {
			return fmt.Errorf("plan item missing payload")
		}
	case ItemModeUpdate:
		if it.ModeUpdate == nil {
			return fmt.Errorf("mode_update item missing payload")
		}
	case ItemCommandsUpdate:
		if it.CommandsUpdate == nil {
			return fmt.Errorf("commands_update item missing payload")
		}
	case ItemPermissionResolved:
		if it.PermissionResolved == nil {
			return fmt.Errorf("permission_resolved item missing payload")
		}
	default:
		return fmt.Errorf("unknown item kind %q", it.Kind)
	}
	return nil
}

// Cursor identifies a timeline position.
type Cursor struct {
	Epoch uint64 `json:"epoch"`
	Seq   uint64 `json:"seq"`
}

// Less reports whether c precedes other under the (epoch, seq) total order.
func (c Cursor) Less(other Cursor) bool {
	if c.Epoch != other.Epoch {
		return c.Epoch < other.Epoch
	}
	return c.Seq < other.Seq
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.Epoch == 0 && c.Seq == 0
}

// Entry is one timeline record. SeqEnd is populated on projected entries that
// merged a run of source items; it tracks the latest source seq.
type Entry struct {
	Epoch     uint64    `json:"epoch"`
	Seq       uint64    `json:"seq"`
	SeqEnd    uint64    `json:"seqEnd,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Item      Item      `json:"item"`
}

// Cursor returns the entry's position.
func (e *Entry) Cursor() Cursor {
	return Cursor{Epoch: e.Epoch, Seq: e.Seq}
}
