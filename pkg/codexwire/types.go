// Package codexwire speaks the Codex app-server protocol: a JSON-RPC 2.0
// variant over stdio that omits the "jsonrpc" header field.
package codexwire

import "encoding/json"

// Request is an outgoing call. ID is absent on notifications.
type Request struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request in either direction.
type Response struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a method call with no reply.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request methods (client → server).
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadArchive = "thread/archive"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodModelList     = "model/list"
)

// Notification methods (server → client).
const (
	NotifyThreadStarted              = "thread/started"
	NotifyTurnStarted                = "turn/started"
	NotifyTurnCompleted              = "turn/completed"
	NotifyTurnPlanUpdated            = "turn/plan/updated"
	NotifyItemStarted                = "item/started"
	NotifyItemCompleted              = "item/completed"
	NotifyItemAgentMessageDelta      = "item/agentMessage/delta"
	NotifyItemReasoningTextDelta     = "item/reasoning/textDelta"
	NotifyItemReasoningSummaryDelta  = "item/reasoning/summaryTextDelta"
	NotifyItemCmdExecOutputDelta     = "item/commandExecution/outputDelta"
	NotifyItemCmdExecRequestApproval = "item/commandExecution/requestApproval"
	NotifyItemFileChangeApproval     = "item/fileChange/requestApproval"
	NotifyError                      = "error"
)

// InitializeParams identifies the client.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo names the connecting client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ThreadStartParams opens a new thread.
type ThreadStartParams struct {
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"` // untrusted | on-failure | on-request | never
}

// ThreadResumeParams reopens an existing thread.
type ThreadResumeParams struct {
	ThreadID       string `json:"threadId"`
	Cwd            string `json:"cwd,omitempty"`
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`
}

// Thread is one Codex conversation.
type Thread struct {
	ID      string `json:"id"`
	Preview string `json:"preview,omitempty"`
}

// ThreadResult wraps thread/start and thread/resume responses.
type ThreadResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one input element of a turn.
type UserInput struct {
	Type string `json:"type"` // text | image | localImage
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams begins a turn on a thread.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnInterruptParams cancels the in-flight turn.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// Item is one unit of turn output.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`   // userMessage | agentMessage | commandExecution | fileChange | reasoning | mcpToolCall
	Status string `json:"status"` // inProgress | completed | failed

	// agentMessage / userMessage
	Text string `json:"text,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange
	Changes []FileChange `json:"changes,omitempty"`

	// reasoning; Codex sends content as a string or a part array.
	Summary FlexibleContent `json:"summary,omitempty"`
	Content FlexibleContent `json:"content,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`
}

// FileChange is one file touched by a fileChange item.
type FileChange struct {
	Path string         `json:"path"`
	Kind FileChangeKind `json:"kind"`
	Diff string         `json:"diff,omitempty"`
}

// FileChangeKind tags the change type.
type FileChangeKind struct {
	Type string `json:"type"` // add | modify | delete
}

// ContentPart is one element of a structured content array.
type ContentPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// FlexibleContent accepts both a plain string and a part array.
type FlexibleContent []ContentPart

// UnmarshalJSON tolerates both shapes; undecodable content becomes empty
// rather than failing the whole message.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*fc = parts
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*fc = []ContentPart{{Type: "text", Text: str}}
		return nil
	}
	*fc = nil
	return nil
}

// Text flattens the parts.
func (fc FlexibleContent) Text() string {
	var out string
	for _, p := range fc {
		out += p.Text
	}
	return out
}

// ItemEventParams carries item/started and item/completed notifications.
type ItemEventParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// DeltaParams carries the delta notification family.
type DeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// CommandApprovalParams solicits approval for a command execution.
type CommandApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Command   string   `json:"command"`
	Cwd       string   `json:"cwd,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// FileChangeApprovalParams solicits approval for a file change.
type FileChangeApprovalParams struct {
	ThreadID  string   `json:"threadId"`
	TurnID    string   `json:"turnId"`
	ItemID    string   `json:"itemId"`
	Path      string   `json:"path"`
	Diff      string   `json:"diff,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// ApprovalResponse answers an approval request.
// Decision values: accept, acceptForSession, decline, cancel.
type ApprovalResponse struct {
	Decision string `json:"decision"`
}

// Approval decisions.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
	DecisionCancel  = "cancel"
)

// TurnCompletedParams reports the outcome of a turn.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// PlanUpdatedParams carries the agent's task list.
type PlanUpdatedParams struct {
	ThreadID string      `json:"threadId"`
	TurnID   string      `json:"turnId"`
	Plan     []PlanEntry `json:"plan"`
}

// PlanEntry is one task list row.
type PlanEntry struct {
	Description string `json:"description"`
	Status      string `json:"status"` // pending | in_progress | completed | failed
}

// ErrorParams carries the error notification.
type ErrorParams struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Model is one entry of model/list.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// ModelListResult wraps model/list responses.
type ModelListResult struct {
	Models []Model `json:"models"`
}
