package bridge

import (
	"context"
	"encoding/base64"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/timeline"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// requestHandler processes one correlated request. A nil response with a
// nil error becomes a plain status ok.
type requestHandler func(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error)

var requestHandlers = map[string]requestHandler{
	protocol.TypeCreateAgentRequest:        handleCreateAgent,
	protocol.TypeResumeAgentRequest:        handleResumeAgent,
	protocol.TypeArchiveAgentRequest:       handleArchiveAgent,
	protocol.TypeDeleteAgentRequest:        handleDeleteAgent,
	protocol.TypeListAgentsRequest:         handleListAgents,
	protocol.TypeSetModeRequest:            handleSetMode,
	protocol.TypeSetModelRequest:           handleSetModel,
	protocol.TypeSendMessageRequest:        handleSendMessage,
	protocol.TypeCancelAgentRequest:        handleCancelAgent,
	protocol.TypeRespondPermissionRequest:  handleRespondPermission,
	protocol.TypeFetchAgentTimelineRequest: handleFetchTimeline,

	protocol.TypeSubscribeAgentUpdates:   handleSubscribeAgentUpdates,
	protocol.TypeUnsubscribeAgentUpdates: handleUnsubscribe,
	protocol.TypeSubscribeAgentStream:    handleSubscribeAgentStream,
	protocol.TypeUnsubscribeAgentStream:  handleUnsubscribe,
	protocol.TypeSubscribeCheckoutDiff:   handleSubscribeCheckoutDiff,
	protocol.TypeUnsubscribeCheckoutDiff: handleUnsubscribe,

	protocol.TypeTerminalOpenRequest: handleTerminalOpen,
}

func handleCreateAgent(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.CreateAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed create_agent_request", err)
	}
	snap, err := s.bridge.manager.CreateAgent(ctx, &req)
	if err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeCreateAgentResponse, msg.RequestID,
		protocol.CreateAgentResponse{Agent: snap})
}

func handleResumeAgent(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.ResumeAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed resume_agent_request", err)
	}
	snap, err := s.bridge.manager.ResumeAgent(ctx, &req)
	if err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeResumeAgentResponse, msg.RequestID,
		protocol.ResumeAgentResponse{Agent: snap})
}

func handleArchiveAgent(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.ArchiveAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed archive_agent_request", err)
	}
	archivedAt, err := s.bridge.manager.ArchiveAgent(ctx, &req)
	if err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeArchiveAgentResponse, msg.RequestID,
		protocol.ArchiveAgentResponse{AgentID: req.AgentID, ArchivedAt: archivedAt})
}

func handleDeleteAgent(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.DeleteAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed delete_agent_request", err)
	}
	if err := s.bridge.manager.DeleteAgent(ctx, req.AgentID); err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeDeleteAgentResponse, msg.RequestID,
		protocol.DeleteAgentResponse{AgentID: req.AgentID})
}

func handleListAgents(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.ListAgentsRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed list_agents_request", err)
	}
	return protocol.NewMessage(protocol.TypeListAgentsResponse, msg.RequestID,
		protocol.ListAgentsResponse{Agents: s.bridge.manager.ListAgents(req.IncludeArchived)})
}

func handleSetMode(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.SetModeRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed set_mode_request", err)
	}
	if err := s.bridge.manager.SetMode(ctx, &req); err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeSetModeResponse, msg.RequestID,
		protocol.SetModeResponse{AgentID: req.AgentID, ModeID: req.ModeID})
}

func handleSetModel(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.SetModelRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed set_model_request", err)
	}
	if err := s.bridge.manager.SetModel(ctx, &req); err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeSetModelResponse, msg.RequestID,
		protocol.SetModelResponse{AgentID: req.AgentID, Model: req.Model})
}

func handleSendMessage(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.SendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed send_message_request", err)
	}
	cursor, err := s.bridge.manager.SendMessage(ctx, &req)
	if err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeSendMessageResponse, msg.RequestID,
		protocol.SendMessageResponse{AgentID: req.AgentID, Cursor: cursor})
}

func handleCancelAgent(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.CancelAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed cancel_agent_request", err)
	}
	if err := s.bridge.manager.Cancel(ctx, req.AgentID); err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeCancelAgentResponse, msg.RequestID,
		protocol.CancelAgentResponse{AgentID: req.AgentID})
}

func handleRespondPermission(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.RespondPermissionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed respond_permission_request", err)
	}
	if req.Resolution.Behavior != protocol.BehaviorAllow && req.Resolution.Behavior != protocol.BehaviorDeny {
		return nil, errs.Newf(errs.CodeBadRequest, "unknown permission behavior %q", req.Resolution.Behavior)
	}
	if err := s.bridge.manager.RespondPermission(ctx, &req); err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeRespondPermissionResponse, msg.RequestID,
		protocol.RespondPermissionResponse{AgentID: req.AgentID, RequestID: req.RequestID})
}

func handleFetchTimeline(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.FetchAgentTimelineRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed fetch_agent_timeline_request", err)
	}

	opts := timeline.FetchOptions{
		Direction:  req.Direction,
		Limit:      req.Limit,
		Projection: req.Projection,
	}
	if req.Cursor != nil {
		opts.Cursor = *req.Cursor
	}

	res, err := s.bridge.engine.Fetch(req.AgentID, opts)
	if err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeFetchAgentTimelineResponse, msg.RequestID,
		protocol.FetchAgentTimelineResponse{
			AgentID:     req.AgentID,
			Entries:     res.Entries,
			StartCursor: res.StartCursor,
			EndCursor:   res.EndCursor,
			HasOlder:    res.HasOlder,
			HasNewer:    res.HasNewer,
			Epoch:       res.Epoch,
			Reset:       res.Reset,
			StaleCursor: res.StaleCursor,
			Gap:         res.Gap,
		})
}

func handleSubscribeAgentUpdates(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil || req.SubscriptionID == "" {
		return nil, errs.New(errs.CodeBadRequest, "subscribe requires a subscriptionId")
	}
	return nil, s.subscribeAgentUpdates(req.SubscriptionID)
}

func handleSubscribeAgentStream(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil || req.SubscriptionID == "" {
		return nil, errs.New(errs.CodeBadRequest, "subscribe requires a subscriptionId")
	}
	if req.AgentID == "" {
		return nil, errs.New(errs.CodeBadRequest, "agent_stream subscribe requires an agentId")
	}
	var from protocol.Cursor
	if req.Cursor != nil {
		from = *req.Cursor
	}
	return nil, s.subscribeAgentStream(req.SubscriptionID, req.AgentID, from)
}

func handleSubscribeCheckoutDiff(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.SubscribePayload
	if err := msg.ParsePayload(&req); err != nil || req.SubscriptionID == "" {
		return nil, errs.New(errs.CodeBadRequest, "subscribe requires a subscriptionId")
	}
	if req.Cwd == "" {
		return nil, errs.New(errs.CodeBadRequest, "checkout_diff subscribe requires a cwd")
	}
	if err := s.subscribeCheckoutDiff(req.SubscriptionID, req.Cwd); err != nil {
		return nil, err
	}
	return protocol.NewMessage(protocol.TypeCheckoutDiffResponse, msg.RequestID,
		protocol.SubscribeCheckoutDiffResponse{SubscriptionID: req.SubscriptionID})
}

// handleUnsubscribe serves every unsubscribe_* type. Idempotent.
func handleUnsubscribe(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.UnsubscribePayload
	if err := msg.ParsePayload(&req); err != nil || req.SubscriptionID == "" {
		return nil, errs.New(errs.CodeBadRequest, "unsubscribe requires a subscriptionId")
	}
	s.removeSubscription(req.SubscriptionID)
	return nil, nil
}

func handleTerminalOpen(ctx context.Context, s *Session, msg *protocol.SessionMessage) (*protocol.SessionMessage, error) {
	var req protocol.TerminalOpenRequest
	if err := msg.ParsePayload(&req); err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "malformed terminal_open_request", err)
	}
	if req.Cols == 0 {
		req.Cols = 80
	}
	if req.Rows == 0 {
		req.Rows = 24
	}

	id, err := s.bridge.terminals.Open(req.Cwd, req.Cols, req.Rows, s.emitTerminalOutput)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.terminals[id] = struct{}{}
	s.mu.Unlock()

	return protocol.NewMessage(protocol.TypeTerminalOpenResponse, msg.RequestID,
		protocol.TerminalOpenResponse{TerminalID: id})
}

// handleTerminalCommand serves the fire-and-forget terminal messages. A
// requestId, when present, gets a status reply.
func (s *Session) handleTerminalCommand(msg *protocol.SessionMessage) {
	var err error
	switch msg.Type {
	case protocol.TypeTerminalInput:
		var req protocol.TerminalInputPayload
		if err = msg.ParsePayload(&req); err == nil {
			var data []byte
			data, err = base64.StdEncoding.DecodeString(req.DataB64)
			if err == nil {
				err = s.bridge.terminals.Input(req.TerminalID, data)
			}
		}
	case protocol.TypeTerminalResize:
		var req protocol.TerminalResizePayload
		if err = msg.ParsePayload(&req); err == nil {
			err = s.bridge.terminals.Resize(req.TerminalID, req.Cols, req.Rows)
		}
	case protocol.TypeTerminalClose:
		var req protocol.TerminalClosePayload
		if err = msg.ParsePayload(&req); err == nil {
			s.bridge.terminals.Close(req.TerminalID)
			s.mu.Lock()
			delete(s.terminals, req.TerminalID)
			s.mu.Unlock()
		}
	}

	if msg.RequestID == "" {
		return
	}
	if err != nil {
		s.enqueue(protocol.NewStatus(msg.RequestID, "error", errs.CodeOf(err), errs.MessageOf(err)), true)
		return
	}
	s.enqueue(protocol.NewStatus(msg.RequestID, "ok", "", ""), true)
}

// emitTerminalOutput forwards pty output to the client. Terminal output is
// volume traffic and may be shed under queue pressure; the closed marker is
// essential so clients always learn the terminal died.
func (s *Session) emitTerminalOutput(id string, data []byte, closed bool) {
	ev := protocol.TerminalOutputEvent{TerminalID: id, Closed: closed}
	if len(data) > 0 {
		ev.DataB64 = base64.StdEncoding.EncodeToString(data)
	}
	msg, err := protocol.NewMessage(protocol.TypeTerminalOutput, "", ev)
	if err != nil {
		return
	}
	s.enqueueEvent(msg, closed)
	if closed {
		s.mu.Lock()
		delete(s.terminals, id)
		s.mu.Unlock()
	}
}
