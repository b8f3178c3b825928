package protocol

import (
	"encoding/json"
	"time"
)

// Agent lifecycle states.
const (
	AgentStateIdle       = "idle"
	AgentStateRunning    = "running"
	AgentStatePermission = "permission"
	AgentStateError      = "error"
	AgentStateClosed     = "closed"
)

// Attention reasons.
const (
	AttentionFinished   = "finished"
	AttentionError      = "error"
	AttentionPermission = "permission"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Capabilities describes what a provider supports for an agent.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	Persistence     bool `json:"persistence"`
	DynamicModes    bool `json:"dynamicModes"`
	ToolInvocations bool `json:"toolInvocations"`
	ReasoningStream bool `json:"reasoningStream"`
}

// Mode is one entry of a provider's mode manifest.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// AgentSnapshot is the wire representation of an agent record.
type AgentSnapshot struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	Cwd            string            `json:"cwd"`
	Title          string            `json:"title,omitempty"`
	ModeID         string            `json:"modeId"`
	Model          string            `json:"model,omitempty"`
	State          string            `json:"state"`
	Capabilities   Capabilities      `json:"capabilities"`
	AvailableModes []Mode            `json:"availableModes"`
	Labels         map[string]string `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	ArchivedAt     *time.Time        `json:"archivedAt,omitempty"`
}

// CreateAgentRequest asks the daemon to launch a new agent.
type CreateAgentRequest struct {
	Provider string            `json:"provider"`
	Cwd      string            `json:"cwd"`
	ModeID   string            `json:"modeId,omitempty"`
	Model    string            `json:"model,omitempty"`
	Title    string            `json:"title,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Extra    json.RawMessage   `json:"extra,omitempty"`
}

// CreateAgentResponse carries the new agent's snapshot.
type CreateAgentResponse struct {
	Agent AgentSnapshot `json:"agent"`
}

// ResumeAgentRequest asks the daemon to resume an archived agent from its
// persistence handle.
type ResumeAgentRequest struct {
	AgentID string          `json:"agentId"`
	ModeID  string          `json:"modeId,omitempty"`
	Model   string          `json:"model,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// ResumeAgentResponse carries the resumed agent's snapshot.
type ResumeAgentResponse struct {
	Agent AgentSnapshot `json:"agent"`
}

// ArchiveAgentRequest closes an agent's session and marks it archived.
type ArchiveAgentRequest struct {
	AgentID string `json:"agentId"`
	Force   bool   `json:"force,omitempty"`
}

// ArchiveAgentResponse echoes the archival time.
type ArchiveAgentResponse struct {
	AgentID    string    `json:"agentId"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// DeleteAgentRequest permanently removes an agent and its timeline.
type DeleteAgentRequest struct {
	AgentID string `json:"agentId"`
}

// DeleteAgentResponse confirms deletion.
type DeleteAgentResponse struct {
	AgentID string `json:"agentId"`
}

// ListAgentsRequest lists the agent directory.
type ListAgentsRequest struct {
	IncludeArchived bool `json:"includeArchived,omitempty"`
}

// ListAgentsResponse carries the directory.
type ListAgentsResponse struct {
	Agents []AgentSnapshot `json:"agents"`
}

// SetModeRequest changes an agent's mode.
type SetModeRequest struct {
	AgentID string `json:"agentId"`
	ModeID  string `json:"modeId"`
}

// SetModeResponse echoes the applied mode.
type SetModeResponse struct {
	AgentID string `json:"agentId"`
	ModeID  string `json:"modeId"`
}

// SetModelRequest changes an agent's model.
type SetModelRequest struct {
	AgentID string `json:"agentId"`
	Model   string `json:"model"`
}

// SetModelResponse echoes the applied model.
type SetModelResponse struct {
	AgentID string `json:"agentId"`
	Model   string `json:"model"`
}

// SendMessageRequest submits a user turn.
type SendMessageRequest struct {
	AgentID string   `json:"agentId"`
	Text    string   `json:"text"`
	Images  []string `json:"images,omitempty"`
}

// SendMessageResponse acknowledges the turn with its appended cursor.
type SendMessageResponse struct {
	AgentID string `json:"agentId"`
	Cursor  Cursor `json:"cursor"`
}

// CancelAgentRequest cooperatively cancels the current run.
type CancelAgentRequest struct {
	AgentID string `json:"agentId"`
}

// CancelAgentResponse acknowledges the cancellation signal.
type CancelAgentResponse struct {
	AgentID string `json:"agentId"`
}

// PermissionRequestEvent is fanned out on agent_stream when a provider
// solicits approval.
type PermissionRequestEvent struct {
	AgentID   string          `json:"agentId"`
	RequestID string          `json:"requestId"`
	Kind      string          `json:"kind"` // tool | bash | ...
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PermissionResolution is the client's verdict on a permission request.
type PermissionResolution struct {
	Behavior string `json:"behavior"` // allow | deny
	Message  string `json:"message,omitempty"`
}

// RespondPermissionRequest resolves an outstanding permission request.
type RespondPermissionRequest struct {
	AgentID    string               `json:"agentId"`
	RequestID  string               `json:"requestId"`
	Resolution PermissionResolution `json:"resolution"`
}

// RespondPermissionResponse confirms the resolution.
type RespondPermissionResponse struct {
	AgentID   string `json:"agentId"`
	RequestID string `json:"requestId"`
}

// SubscribePayload opens a client-named subscription.
type SubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	AgentID        string `json:"agentId,omitempty"` // agent_stream
	Cursor         *Cursor `json:"cursor,omitempty"` // agent_stream resume point
	Cwd            string `json:"cwd,omitempty"`     // checkout_diff
}

// UnsubscribePayload closes a subscription. Idempotent.
type UnsubscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscribeCheckoutDiffResponse acknowledges a checkout diff subscription.
type SubscribeCheckoutDiffResponse struct {
	SubscriptionID string `json:"subscriptionId"`
}

// AgentUpdatesEvent is the agent directory fan-out.
type AgentUpdatesEvent struct {
	Agents []AgentSnapshot `json:"agents"`
}

// AgentStreamEvent is one live event on an agent's timeline subscription.
// Exactly one of Entry, Reset, or Permission is populated.
type AgentStreamEvent struct {
	AgentID string `json:"agentId"`

	Entry *Entry `json:"entry,omitempty"`

	// Reset is sent when the subscriber's cursor is stale: it carries the
	// current epoch's tail snapshot, after which live entries resume.
	Reset *ResetSentinel `json:"reset,omitempty"`

	Permission *PermissionRequestEvent `json:"permission,omitempty"`

	State string `json:"state,omitempty"` // lifecycle transition, when changed
}

// ResetSentinel tells a subscriber to discard buffered state and re-render
// from the supplied tail.
type ResetSentinel struct {
	Epoch   uint64  `json:"epoch"`
	Entries []Entry `json:"entries"`
}

// AttentionRequiredEvent signals that an agent needs user attention.
type AttentionRequiredEvent struct {
	AgentID      string `json:"agentId"`
	Reason       string `json:"reason"` // finished | error | permission
	ShouldNotify bool   `json:"shouldNotify"`
}

// Timeline fetch directions.
const (
	FetchTail   = "tail"
	FetchBefore = "before"
	FetchAfter  = "after"
)

// Timeline projections.
const (
	ProjectionCanonical = "canonical"
	ProjectionProjected = "projected"
)

// FetchAgentTimelineRequest pages through an agent's timeline.
type FetchAgentTimelineRequest struct {
	AgentID    string  `json:"agentId"`
	Direction  string  `json:"direction"` // tail | before | after
	Cursor     *Cursor `json:"cursor,omitempty"`
	Limit      int     `json:"limit"`
	Projection string  `json:"projection,omitempty"` // canonical | projected
}

// FetchAgentTimelineResponse carries a window of entries plus cursor health
// flags: reset/staleCursor when the cursor's epoch is gone, gap when the
// cursor fell below the retained head.
type FetchAgentTimelineResponse struct {
	AgentID     string  `json:"agentId"`
	Entries     []Entry `json:"entries"`
	StartCursor Cursor  `json:"startCursor"`
	EndCursor   Cursor  `json:"endCursor"`
	HasOlder    bool    `json:"hasOlder"`
	HasNewer    bool    `json:"hasNewer"`
	Epoch       uint64  `json:"epoch"`
	Reset       bool    `json:"reset"`
	StaleCursor bool    `json:"staleCursor"`
	Gap         bool    `json:"gap"`
}

// HeartbeatPayload is the client's periodic activity report.
type HeartbeatPayload struct {
	FocusedAgentID string    `json:"focusedAgentId,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	AppVisible     bool      `json:"appVisible"`
	DeviceType     string    `json:"deviceType"` // mobile | desktop | web | cli
	ClientID       string    `json:"clientId,omitempty"`
	ClientType     string    `json:"clientType,omitempty"`
}

// CheckoutDiffUpdate is one snapshot of a working directory's diff state.
type CheckoutDiffUpdate struct {
	Cwd     string             `json:"cwd"`
	Files   []CheckoutFileStat `json:"files"`
	Diff    string             `json:"diff"`
	Updated time.Time          `json:"updated"`
}

// CheckoutFileStat is one row of `git status --porcelain`.
type CheckoutFileStat struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// TerminalOpenRequest opens a pty-backed terminal.
type TerminalOpenRequest struct {
	Cwd  string `json:"cwd,omitempty"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// TerminalOpenResponse identifies the opened terminal.
type TerminalOpenResponse struct {
	TerminalID string `json:"terminalId"`
}

// TerminalInputPayload writes keystrokes to a terminal.
type TerminalInputPayload struct {
	TerminalID string `json:"terminalId"`
	DataB64    string `json:"data"` // base64
}

// TerminalResizePayload resizes a terminal.
type TerminalResizePayload struct {
	TerminalID string `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

// TerminalClosePayload closes a terminal.
type TerminalClosePayload struct {
	TerminalID string `json:"terminalId"`
}

// TerminalOutputEvent carries terminal output to the subscriber.
type TerminalOutputEvent struct {
	TerminalID string `json:"terminalId"`
	DataB64    string `json:"data"` // base64
	Closed     bool   `json:"closed,omitempty"`
}
