package timeline

import "github.com/paseo-dev/paseo/pkg/protocol"

// Project collapses a window of canonical entries into the view clients
// render. It is a pure function: the same canonical prefix always projects
// identically, and entries never reorder across non-mergeable boundaries.
//
// Rules:
//  1. Consecutive assistant messages separated only by reasoning merge into
//     one; SeqEnd tracks the latest source seq. Merging never crosses a
//     tool call or user message.
//  2. Adjacent reasoning items coalesce. A run is marked ready once any
//     non-reasoning item follows; an unterminated run stays loading.
//  3. A tool call that later reaches a terminal status is shown once, at its
//     first position, with the terminal occurrence's payload.
//  4. A user message identical to the previous one, with nothing but
//     reasoning between them, is a provider echo and is suppressed.
//
// Assistant messages whose merged text is empty are omitted.
func Project(entries []protocol.Entry) []protocol.Entry {
	// Index terminal tool call occurrences by callId.
	terminal := make(map[string]*protocol.Entry)
	for i := range entries {
		if entries[i].Item.Kind != protocol.ItemToolCall {
			continue
		}
		tc := entries[i].Item.ToolCall
		switch tc.Status {
		case protocol.ToolStatusCompleted, protocol.ToolStatusFailed, protocol.ToolStatusCanceled:
			terminal[tc.CallID] = &entries[i]
		}
	}

	out := make([]protocol.Entry, 0, len(entries))
	emittedCalls := make(map[string]bool)

	openAssistant := -1 // index in out of a still-mergeable assistant message
	openReasoning := -1 // index in out of a still-open reasoning run
	lastUserIdx := -1   // index in out of the most recent user message
	userEchoable := false
	prevKind := protocol.ItemKind("")

	closeReasoning := func() {
		if openReasoning >= 0 {
			out[openReasoning].Item.Reasoning.Status = protocol.ReasoningReady
			openReasoning = -1
		}
	}

	for i := range entries {
		entry := entries[i]
		switch entry.Item.Kind {
		case protocol.ItemAssistantMessage:
			closeReasoning()
			userEchoable = false
			if openAssistant >= 0 {
				merged := out[openAssistant].Item.AssistantMessage
				merged.Text += entry.Item.AssistantMessage.Text
				out[openAssistant].SeqEnd = entry.Seq
			} else {
				entry.Item.AssistantMessage = &protocol.AssistantMessage{
					Text: entry.Item.AssistantMessage.Text,
				}
				out = append(out, entry)
				openAssistant = len(out) - 1
			}

		case protocol.ItemReasoning:
			// Reasoning does not break an assistant merge.
			if prevKind == protocol.ItemReasoning && openReasoning >= 0 {
				out[openReasoning].Item.Reasoning.Text += entry.Item.Reasoning.Text
				out[openReasoning].SeqEnd = entry.Seq
			} else {
				closeReasoning()
				entry.Item.Reasoning = &protocol.Reasoning{
					Text:   entry.Item.Reasoning.Text,
					Status: protocol.ReasoningLoading,
				}
				out = append(out, entry)
				openReasoning = len(out) - 1
			}

		case protocol.ItemUserMessage:
			if userEchoable && lastUserIdx >= 0 &&
				out[lastUserIdx].Item.UserMessage.Text == entry.Item.UserMessage.Text {
				// Provider echo of the message just sent.
				out[lastUserIdx].SeqEnd = entry.Seq
				prevKind = entry.Item.Kind
				continue
			}
			closeReasoning()
			openAssistant = -1
			out = append(out, entry)
			lastUserIdx = len(out) - 1
			userEchoable = true

		case protocol.ItemToolCall:
			closeReasoning()
			openAssistant = -1
			userEchoable = false
			callID := entry.Item.ToolCall.CallID
			if emittedCalls[callID] {
				prevKind = entry.Item.Kind
				continue
			}
			emittedCalls[callID] = true
			if term := terminal[callID]; term != nil && term.Seq != entry.Seq {
				entry.Item = term.Item
				entry.SeqEnd = term.Seq
			}
			out = append(out, entry)

		default:
			closeReasoning()
			openAssistant = -1
			userEchoable = false
			out = append(out, entry)
		}
		prevKind = entry.Item.Kind
	}

	// Drop assistant messages that never accumulated text.
	filtered := out[:0]
	for i := range out {
		if out[i].Item.Kind == protocol.ItemAssistantMessage &&
			out[i].Item.AssistantMessage.Text == "" {
			continue
		}
		filtered = append(filtered, out[i])
	}
	return filtered
}
