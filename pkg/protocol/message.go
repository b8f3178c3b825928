// Package protocol defines the wire protocol spoken between the paseo daemon
// and its clients: the transport envelope, the session message families, and
// the timeline item schema. Frames are UTF-8 JSON, one message per WebSocket
// frame, with a "type" string discriminator on every message.
package protocol

import (
	"encoding/json"
	"time"
)

// Transport-level frame types.
const (
	FrameWelcome = "welcome"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameSession = "session"
)

// Frame is the outermost envelope on the socket. Exactly one of the
// type-specific field groups is populated, selected by Type.
type Frame struct {
	Type string `json:"type"`

	// For "session" frames
	Message json.RawMessage `json:"message,omitempty"`

	// For "welcome" frames
	ServerID string `json:"serverId,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
}

// NewSessionFrame wraps a session message in a transport frame.
func NewSessionFrame(msg *SessionMessage) (*Frame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameSession, Message: data}, nil
}

// NewWelcomeFrame builds the first frame sent on any accepted connection.
func NewWelcomeFrame(serverID, hostname, version string, resumed bool) *Frame {
	return &Frame{
		Type:     FrameWelcome,
		ServerID: serverID,
		Hostname: hostname,
		Version:  version,
		Resumed:  resumed,
	}
}

// Session message types. Requests carry a client-chosen requestId; responses
// echo it. Server-originated events carry the subscriptionId that routed them.
const (
	TypeCreateAgentRequest  = "create_agent_request"
	TypeCreateAgentResponse = "create_agent_response"

	TypeResumeAgentRequest  = "resume_agent_request"
	TypeResumeAgentResponse = "resume_agent_response"

	TypeArchiveAgentRequest  = "archive_agent_request"
	TypeArchiveAgentResponse = "archive_agent_response"

	TypeDeleteAgentRequest  = "delete_agent_request"
	TypeDeleteAgentResponse = "delete_agent_response"

	TypeListAgentsRequest  = "list_agents_request"
	TypeListAgentsResponse = "list_agents_response"

	TypeSetModeRequest  = "set_mode_request"
	TypeSetModeResponse = "set_mode_response"

	TypeSetModelRequest  = "set_model_request"
	TypeSetModelResponse = "set_model_response"

	TypeSendMessageRequest  = "send_message_request"
	TypeSendMessageResponse = "send_message_response"

	TypeCancelAgentRequest  = "cancel_agent_request"
	TypeCancelAgentResponse = "cancel_agent_response"

	TypeRespondPermissionRequest  = "respond_permission_request"
	TypeRespondPermissionResponse = "respond_permission_response"

	TypeSubscribeAgentUpdates   = "subscribe_agent_updates"
	TypeUnsubscribeAgentUpdates = "unsubscribe_agent_updates"
	TypeAgentUpdates            = "agent_updates"

	TypeSubscribeAgentStream   = "subscribe_agent_stream"
	TypeUnsubscribeAgentStream = "unsubscribe_agent_stream"
	TypeAgentStream            = "agent_stream"

	TypeAttentionRequired = "attention_required"

	TypeFetchAgentTimelineRequest  = "fetch_agent_timeline_request"
	TypeFetchAgentTimelineResponse = "fetch_agent_timeline_response"

	TypeSubscribeCheckoutDiff   = "subscribe_checkout_diff"
	TypeUnsubscribeCheckoutDiff = "unsubscribe_checkout_diff"
	TypeCheckoutDiffResponse    = "subscribe_checkout_diff_response"
	TypeCheckoutDiffUpdate      = "checkout_diff_update"

	TypeTerminalOpenRequest  = "terminal_open_request"
	TypeTerminalOpenResponse = "terminal_open_response"
	TypeTerminalInput        = "terminal_input"
	TypeTerminalResize       = "terminal_resize"
	TypeTerminalClose        = "terminal_close"
	TypeTerminalOutput       = "terminal_output"

	TypeHeartbeat = "heartbeat"
	TypeStatus    = "status"
)

// SessionMessage is the envelope for all session-level traffic.
type SessionMessage struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"requestId,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitempty"`
}

// NewMessage builds a session message with a marshaled payload.
func NewMessage(msgType, requestID string, payload any) (*SessionMessage, error) {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &SessionMessage{
		Type:      msgType,
		RequestID: requestID,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewEvent builds a server-originated event routed by subscription id.
func NewEvent(msgType, subscriptionID string, payload any) (*SessionMessage, error) {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		return nil, err
	}
	msg.SubscriptionID = subscriptionID
	return msg, nil
}

// NewStatus builds a status response for a request.
func NewStatus(requestID, status, code, message string) *SessionMessage {
	payload, _ := json.Marshal(StatusPayload{Status: status, Code: code, Message: message})
	return &SessionMessage{
		Type:      TypeStatus,
		RequestID: requestID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ParsePayload parses the payload into the given struct.
func (m *SessionMessage) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// StatusPayload is the body of a status message.
type StatusPayload struct {
	Status  string         `json:"status"` // ok | error
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
