package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/internal/provider"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// runLoop is the single consumer of a session's event stream and the only
// writer of the agent's timeline while a turn is in flight. It exits when
// the provider closes the stream.
func (m *Manager) runLoop(ag *Agent, session provider.Session) {
	ctx := context.Background()
	agentID := ag.ID()
	log := m.logger.WithAgentID(agentID)

	defer func() {
		ag.mu.Lock()
		done := ag.loopDone
		ag.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for ev := range session.Events() {
		switch ev.Kind {
		case provider.EventItem:
			m.handleItem(ctx, ag, ev.Item)

		case provider.EventPermission:
			m.handlePermission(ctx, ag, ev.Permission)

		case provider.EventTurnComplete:
			m.handleTurnComplete(ctx, ag, ev.Err)

		case provider.EventHandle:
			if err := m.store.SaveHandle(agentID, ev.Handle); err != nil {
				log.Error("handle persist failed", zap.Error(err))
			}

		case provider.EventFatal:
			log.Error("provider session died", zap.String("error", ev.Err))
			msg := "provider session terminated unexpectedly"
			if ev.Err != "" {
				msg = ev.Err
			}
			m.appendItem(ag, protocol.Item{
				Kind:  protocol.ItemError,
				Error: &protocol.ErrorItem{Message: msg},
			})
			ag.mu.Lock()
			ag.session = nil
			ag.mu.Unlock()
			m.setState(ctx, ag, protocol.AgentStateError)
			m.publishAttention(ctx, agentID, protocol.AttentionError)
		}
	}

	log.Debug("run loop exited")
}

func (m *Manager) handleItem(ctx context.Context, ag *Agent, item *protocol.Item) {
	if item == nil {
		return
	}

	// Track the in-flight tool so a cancel can attribute the abort.
	if item.Kind == protocol.ItemToolCall && item.ToolCall != nil {
		ag.mu.Lock()
		switch item.ToolCall.Status {
		case protocol.ToolStatusRunning:
			ag.runningToolID = item.ToolCall.CallID
			ag.runningToolName = item.ToolCall.Name
		default:
			if ag.runningToolID == item.ToolCall.CallID {
				ag.runningToolID = ""
				ag.runningToolName = ""
			}
		}
		ag.mu.Unlock()
	}

	m.appendItem(ag, *item)
	ag.touch()
}

func (m *Manager) handlePermission(ctx context.Context, ag *Agent, req *provider.PermissionRequest) {
	if req == nil {
		return
	}
	agentID := ag.ID()

	ag.mu.Lock()
	ag.permissions = append(ag.permissions, req)
	ag.mu.Unlock()

	m.setState(ctx, ag, protocol.AgentStatePermission)

	m.publish(ctx, bus.SubjectAgentStream+agentID, "agent.permission", protocol.AgentStreamEvent{
		AgentID: agentID,
		Permission: &protocol.PermissionRequestEvent{
			AgentID:   agentID,
			RequestID: req.ID,
			Kind:      req.Kind,
			Name:      req.Name,
			Payload:   req.Payload,
			CreatedAt: req.CreatedAt,
		},
	})
	m.publishAttention(ctx, agentID, protocol.AttentionPermission)
}

func (m *Manager) handleTurnComplete(ctx context.Context, ag *Agent, turnErr string) {
	agentID := ag.ID()

	ag.mu.Lock()
	canceled := ag.cancelRequested
	ag.cancelRequested = false
	ag.runningToolID = ""
	ag.runningToolName = ""
	ag.mu.Unlock()
	ag.touch()

	if turnErr != "" && !canceled {
		m.appendItem(ag, protocol.Item{
			Kind:  protocol.ItemError,
			Error: &protocol.ErrorItem{Message: turnErr},
		})
		m.setState(ctx, ag, protocol.AgentStateError)
		m.publishAttention(ctx, agentID, protocol.AttentionError)
		return
	}

	m.setState(ctx, ag, protocol.AgentStateIdle)
	if !canceled {
		m.publishAttention(ctx, agentID, protocol.AttentionFinished)
	}
}

// appendItem writes one item to the timeline, tolerating a closed log.
func (m *Manager) appendItem(ag *Agent, item protocol.Item) {
	if _, err := m.engine.Append(ag.ID(), item); err != nil {
		m.logger.Error("timeline append failed",
			zap.String("agent_id", ag.ID()), zap.Error(err))
	}
}

// setState persists and fans out a lifecycle transition. No-op when the
// state is unchanged.
func (m *Manager) setState(ctx context.Context, ag *Agent, state string) {
	ag.mu.Lock()
	if ag.rec.State == state {
		ag.mu.Unlock()
		return
	}
	ag.rec.State = state
	rec := ag.rec
	ag.mu.Unlock()

	if err := m.store.SaveRecord(rec); err != nil {
		m.logger.Error("state persist failed",
			zap.String("agent_id", rec.ID), zap.Error(err))
	}
	m.publishState(ctx, rec.ID, state)
	m.publishDirectory(ctx)
}

func (m *Manager) publishState(ctx context.Context, agentID, state string) {
	m.publish(ctx, bus.SubjectAgentStream+agentID, "agent.state", protocol.AgentStreamEvent{
		AgentID: agentID,
		State:   state,
	})
}

func (m *Manager) publishDirectory(ctx context.Context) {
	m.publish(ctx, bus.SubjectAgentUpdated, "agent.updated", protocol.AgentUpdatesEvent{
		Agents: m.ListAgents(true),
	})
}

func (m *Manager) publishAttention(ctx context.Context, agentID, reason string) {
	// ShouldNotify is left false here; the notification dispatcher decides
	// delivery from client presence.
	m.publish(ctx, bus.SubjectAttention, "agent.attention", protocol.AttentionRequiredEvent{
		AgentID: agentID,
		Reason:  reason,
	})
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, data any) {
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "agent-manager", data)); err != nil {
		m.logger.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
