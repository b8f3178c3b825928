// Package claudewire speaks the Claude Code CLI stream-json protocol:
// newline-delimited JSON over stdin/stdout, with bidirectional control
// requests layered on top for initialization and tool permissions.
package claudewire

import "encoding/json"

// Message types observed on the CLI's stdout.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInitialize        = "initialize"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// StreamMessage is one line from the CLI's stdout. Type selects which fields
// are populated.
type StreamMessage struct {
	Type string `json:"type"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// system
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant / user
	Message *MessageBody `json:"message,omitempty"`

	// result. Result is a string on error, an object on success.
	Result  json.RawMessage `json:"result,omitempty"`
	Subtype string          `json:"subtype,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// Raw holds the undecoded line for callers that need more than the
	// common fields.
	Raw json.RawMessage `json:"-"`
}

// MessageBody is the content carrier for assistant and user messages.
type MessageBody struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

// ContentBlock is one block inside an assistant message.
type ContentBlock struct {
	Type string `json:"type"` // text | thinking | tool_use | tool_result

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ResultString decodes the Result field as a plain string (the error shape).
func (m *StreamMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ControlRequest is a control request from the CLI, mainly can_use_tool
// permission solicitations.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // control_response
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response body. Subtype is success or error.
type ControlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult resolves a can_use_tool request.
type PermissionResult struct {
	Behavior  string `json:"behavior"` // allow | deny
	Message   string `json:"message,omitempty"`
	Interrupt *bool  `json:"interrupt,omitempty"`
}

// OutgoingControlRequest is a control request we send to the CLI.
type OutgoingControlRequest struct {
	Type      string             `json:"type"` // control_request
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody carries initialize, interrupt, and
// set_permission_mode operations.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"` // set_permission_mode
}

// IncomingControlResponse is the CLI's answer to a request we sent. The
// request_id lives inside the response object, not at the message level.
type IncomingControlResponse struct {
	RequestID string                  `json:"request_id"`
	Subtype   string                  `json:"subtype"`
	Error     string                  `json:"error,omitempty"`
	Response  *InitializeResponseData `json:"response,omitempty"`
}

// InitializeResponseData is the payload of a successful initialize.
type InitializeResponseData struct {
	Commands []CommandInfo `json:"commands,omitempty"`
	Modes    []string      `json:"modes,omitempty"`
	Model    string        `json:"model,omitempty"`
}

// CommandInfo is one slash command the CLI advertises.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PromptMessage sends a user prompt to the CLI.
type PromptMessage struct {
	Type    string     `json:"type"` // user
	Message PromptBody `json:"message"`
}

// PromptBody is the prompt content.
type PromptBody struct {
	Role    string `json:"role"` // user
	Content string `json:"content"`
}

// Tool names that commonly appear in can_use_tool requests.
const (
	ToolBash      = "Bash"
	ToolRead      = "Read"
	ToolWrite     = "Write"
	ToolEdit      = "Edit"
	ToolGlob      = "Glob"
	ToolGrep      = "Grep"
	ToolTask      = "Task"
	ToolWebFetch  = "WebFetch"
	ToolWebSearch = "WebSearch"
)
