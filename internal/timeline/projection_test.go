package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/pkg/protocol"
)

type itemSpec struct {
	kind protocol.ItemKind
	text string
	call *protocol.ToolCall
}

func canonicalEntries(specs ...itemSpec) []protocol.Entry {
	entries := make([]protocol.Entry, 0, len(specs))
	for i, s := range specs {
		item := protocol.Item{Kind: s.kind}
		switch s.kind {
		case protocol.ItemUserMessage:
			item.UserMessage = &protocol.UserMessage{Text: s.text}
		case protocol.ItemAssistantMessage:
			item.AssistantMessage = &protocol.AssistantMessage{Text: s.text}
		case protocol.ItemReasoning:
			item.Reasoning = &protocol.Reasoning{Text: s.text}
		case protocol.ItemToolCall:
			item.ToolCall = s.call
		case protocol.ItemError:
			item.Error = &protocol.ErrorItem{Message: s.text}
		}
		entries = append(entries, protocol.Entry{
			Epoch:     1,
			Seq:       uint64(i + 1),
			Timestamp: time.Now().UTC(),
			Item:      item,
		})
	}
	return entries
}

func user(text string) itemSpec      { return itemSpec{kind: protocol.ItemUserMessage, text: text} }
func assistant(text string) itemSpec { return itemSpec{kind: protocol.ItemAssistantMessage, text: text} }
func reasoning(text string) itemSpec { return itemSpec{kind: protocol.ItemReasoning, text: text} }
func toolCall(callID, status, errMsg string) itemSpec {
	return itemSpec{kind: protocol.ItemToolCall, call: &protocol.ToolCall{
		CallID: callID,
		Name:   "bash",
		Status: status,
		Detail: protocol.ToolDetail{Kind: protocol.ToolDetailShell, Command: "ls"},
		Error:  errMsg,
	}}
}

func TestProject_MergesAdjacentAssistantMessages(t *testing.T) {
	entries := canonicalEntries(
		user("hello"),
		assistant("Hel"),
		assistant("lo "),
		assistant("there"),
	)

	out := Project(entries)
	require.Len(t, out, 2)
	assert.Equal(t, "hello", out[0].Item.UserMessage.Text)
	assert.Equal(t, "Hello there", out[1].Item.AssistantMessage.Text)
	assert.Equal(t, uint64(2), out[1].Seq)
	assert.Equal(t, uint64(4), out[1].SeqEnd)
}

func TestProject_AssistantMergeCrossesReasoningOnly(t *testing.T) {
	entries := canonicalEntries(
		assistant("one"),
		reasoning("thinking"),
		assistant(" two"),
		toolCall("c1", protocol.ToolStatusRunning, ""),
		assistant("three"),
	)

	out := Project(entries)
	require.Len(t, out, 4)
	assert.Equal(t, "one two", out[0].Item.AssistantMessage.Text)
	assert.Equal(t, protocol.ItemReasoning, out[1].Item.Kind)
	assert.Equal(t, protocol.ItemToolCall, out[2].Item.Kind)
	assert.Equal(t, "three", out[3].Item.AssistantMessage.Text)
}

func TestProject_ReasoningRunsCoalesceAndLabel(t *testing.T) {
	entries := canonicalEntries(
		reasoning("let me "),
		reasoning("think"),
		assistant("done"),
		reasoning("still going"),
	)

	out := Project(entries)
	require.Len(t, out, 3)
	assert.Equal(t, "let me think", out[0].Item.Reasoning.Text)
	assert.Equal(t, protocol.ReasoningReady, out[0].Item.Reasoning.Status)
	assert.Equal(t, uint64(2), out[0].SeqEnd)
	assert.Equal(t, "still going", out[2].Item.Reasoning.Text)
	assert.Equal(t, protocol.ReasoningLoading, out[2].Item.Reasoning.Status)
}

func TestProject_ToolCallCollapsesToTerminalStatus(t *testing.T) {
	entries := canonicalEntries(
		toolCall("c1", protocol.ToolStatusRunning, ""),
		assistant("working"),
		toolCall("c1", protocol.ToolStatusFailed, "exit 1"),
	)

	out := Project(entries)
	require.Len(t, out, 2)
	require.Equal(t, protocol.ItemToolCall, out[0].Item.Kind)
	assert.Equal(t, protocol.ToolStatusFailed, out[0].Item.ToolCall.Status)
	assert.Equal(t, "exit 1", out[0].Item.ToolCall.Error)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(3), out[0].SeqEnd)
}

func TestProject_RunningToolCallShownAsIs(t *testing.T) {
	entries := canonicalEntries(toolCall("c9", protocol.ToolStatusRunning, ""))

	out := Project(entries)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.ToolStatusRunning, out[0].Item.ToolCall.Status)
	assert.Zero(t, out[0].SeqEnd)
}

func TestProject_SuppressesProviderEchoOfUserMessage(t *testing.T) {
	entries := canonicalEntries(
		user("run the tests"),
		user("run the tests"), // provider echo
		assistant("on it"),
		user("run the tests"), // genuinely sent again
	)

	out := Project(entries)
	require.Len(t, out, 3)
	assert.Equal(t, protocol.ItemUserMessage, out[0].Item.Kind)
	assert.Equal(t, uint64(2), out[0].SeqEnd)
	assert.Equal(t, protocol.ItemAssistantMessage, out[1].Item.Kind)
	assert.Equal(t, protocol.ItemUserMessage, out[2].Item.Kind)
}

func TestProject_OmitsEmptyAssistantMessage(t *testing.T) {
	entries := canonicalEntries(
		user("hi"),
		assistant(""),
	)

	out := Project(entries)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.ItemUserMessage, out[0].Item.Kind)
}

func TestProject_Deterministic(t *testing.T) {
	entries := canonicalEntries(
		user("go"),
		reasoning("a"),
		reasoning("b"),
		assistant("x"),
		toolCall("c1", protocol.ToolStatusRunning, ""),
		toolCall("c1", protocol.ToolStatusCompleted, ""),
		assistant("y"),
	)

	first, err := json.Marshal(Project(entries))
	require.NoError(t, err)
	second, err := json.Marshal(Project(entries))
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestProject_DoesNotMutateCanonicalInput(t *testing.T) {
	entries := canonicalEntries(
		assistant("a"),
		assistant("b"),
		reasoning("r"),
	)

	_ = Project(entries)
	assert.Equal(t, "a", entries[0].Item.AssistantMessage.Text)
	assert.Equal(t, "b", entries[1].Item.AssistantMessage.Text)
	assert.Empty(t, entries[2].Item.Reasoning.Status)
}
