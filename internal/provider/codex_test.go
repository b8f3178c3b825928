package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/codexwire"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

func newCodexTestSession(t *testing.T) *codexSession {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return &codexSession{
		logger:   log,
		events:   make(chan Event, 32),
		pending:  make(map[string]any),
		tools:    make(map[string]*protocol.ToolCall),
		streamed: make(map[string]bool),
	}
}

func drainCodexEvents(s *codexSession) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func notifyJSON(t *testing.T, s *codexSession, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	s.handleNotification(method, raw)
}

func TestCodexDeltasSuppressCompletionEcho(t *testing.T) {
	s := newCodexTestSession(t)

	notifyJSON(t, s, codexwire.NotifyItemAgentMessageDelta, codexwire.DeltaParams{ItemID: "item-1", Delta: "Hello "})
	notifyJSON(t, s, codexwire.NotifyItemAgentMessageDelta, codexwire.DeltaParams{ItemID: "item-1", Delta: "world"})
	notifyJSON(t, s, codexwire.NotifyItemCompleted, codexwire.ItemEventParams{
		Item: &codexwire.Item{ID: "item-1", Type: "agentMessage", Status: "completed", Text: "Hello world"},
	})

	events := drainCodexEvents(s)
	require.Len(t, events, 2)
	assert.Equal(t, "Hello ", events[0].Item.AssistantMessage.Text)
	assert.Equal(t, "world", events[1].Item.AssistantMessage.Text)
}

func TestCodexUnstreamedCompletionCarriesText(t *testing.T) {
	s := newCodexTestSession(t)

	notifyJSON(t, s, codexwire.NotifyItemCompleted, codexwire.ItemEventParams{
		Item: &codexwire.Item{ID: "item-2", Type: "agentMessage", Status: "completed", Text: "whole answer"},
	})

	events := drainCodexEvents(s)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.ItemAssistantMessage, events[0].Item.Kind)
	assert.Equal(t, "whole answer", events[0].Item.AssistantMessage.Text)
}

func TestCodexCommandExecutionLifecycle(t *testing.T) {
	s := newCodexTestSession(t)

	notifyJSON(t, s, codexwire.NotifyItemStarted, codexwire.ItemEventParams{
		Item: &codexwire.Item{ID: "cmd-1", Type: "commandExecution", Status: "inProgress", Command: "go vet ./..."},
	})
	notifyJSON(t, s, codexwire.NotifyItemCompleted, codexwire.ItemEventParams{
		Item: &codexwire.Item{ID: "cmd-1", Type: "commandExecution", Status: "completed", AggregatedOutput: "ok"},
	})

	events := drainCodexEvents(s)
	require.Len(t, events, 2)

	running := events[0].Item.ToolCall
	assert.Equal(t, protocol.ToolStatusRunning, running.Status)
	assert.Equal(t, protocol.ToolDetailShell, running.Detail.Kind)
	assert.Equal(t, "go vet ./...", running.Detail.Command)

	done := events[1].Item.ToolCall
	assert.Equal(t, "cmd-1", done.CallID)
	assert.Equal(t, protocol.ToolStatusCompleted, done.Status)
	assert.JSONEq(t, `"ok"`, string(done.Detail.RawOutput))
	assert.Empty(t, s.tools)
}

func TestCodexFailedCommandCarriesError(t *testing.T) {
	s := newCodexTestSession(t)
	exit := 1

	notifyJSON(t, s, codexwire.NotifyItemStarted, codexwire.ItemEventParams{
		Item: &codexwire.Item{ID: "cmd-2", Type: "commandExecution", Status: "inProgress", Command: "false"},
	})
	notifyJSON(t, s, codexwire.NotifyItemCompleted, codexwire.ItemEventParams{
		Item: &codexwire.Item{ID: "cmd-2", Type: "commandExecution", Status: "failed", ExitCode: &exit},
	})

	events := drainCodexEvents(s)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.ToolStatusFailed, events[1].Item.ToolCall.Status)
	assert.Equal(t, "exit code 1", events[1].Item.ToolCall.Error)
}

func TestCodexTurnCompleted(t *testing.T) {
	s := newCodexTestSession(t)

	notifyJSON(t, s, codexwire.NotifyTurnCompleted, codexwire.TurnCompletedParams{Success: true})
	notifyJSON(t, s, codexwire.NotifyTurnCompleted, codexwire.TurnCompletedParams{Success: false, Error: "context overflow"})

	events := drainCodexEvents(s)
	require.Len(t, events, 2)
	assert.Equal(t, EventTurnComplete, events[0].Kind)
	assert.Empty(t, events[0].Err)
	assert.Equal(t, "context overflow", events[1].Err)
}

func TestCodexReasoningFlattensContent(t *testing.T) {
	s := newCodexTestSession(t)

	item := &codexwire.Item{ID: "r-1", Type: "reasoning", Status: "completed"}
	require.NoError(t, json.Unmarshal([]byte(`"thinking about it"`), &item.Content))
	notifyJSON(t, s, codexwire.NotifyItemCompleted, codexwire.ItemEventParams{Item: item})

	events := drainCodexEvents(s)
	require.Len(t, events, 1)
	assert.Equal(t, protocol.ItemReasoning, events[0].Item.Kind)
	assert.Equal(t, "thinking about it", events[0].Item.Reasoning.Text)
}

func TestCodexToolCallMapping(t *testing.T) {
	assert.Nil(t, codexToolCall(&codexwire.Item{Type: "agentMessage"}))

	fc := codexToolCall(&codexwire.Item{
		ID:      "f-1",
		Type:    "fileChange",
		Changes: []codexwire.FileChange{{Path: "/src/main.go"}},
	})
	require.NotNil(t, fc)
	assert.Equal(t, protocol.ToolDetailEdit, fc.Detail.Kind)
	assert.Equal(t, "/src/main.go", fc.Detail.FilePath)

	mcp := codexToolCall(&codexwire.Item{
		ID:        "m-1",
		Type:      "mcpToolCall",
		Tool:      "fetch_docs",
		Arguments: json.RawMessage(`{"url":"https://example.com"}`),
	})
	require.NotNil(t, mcp)
	assert.Equal(t, "fetch_docs", mcp.Name)
	assert.Equal(t, protocol.ToolDetailUnknown, mcp.Detail.Kind)
}

func TestCodexRespondPermissionUnknownID(t *testing.T) {
	s := newCodexTestSession(t)
	err := s.RespondPermission(t.Context(), "nope", true, "")
	require.Error(t, err)
}
