// Package notify decides which connected clients should be actively
// notified when an agent requires attention, and escalates to push when
// nobody is looking.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// SessionInfo is a presence snapshot for one connected session.
type SessionInfo struct {
	SessionID       string
	ClientID        string
	Heartbeat       protocol.HeartbeatPayload
	LastHeartbeatAt time.Time
}

// Presence exposes the bridge's connected sessions to the dispatcher.
type Presence interface {
	// Sessions returns a snapshot of every connected session.
	Sessions() []SessionInfo

	// SendAttention delivers an attention event to one session.
	SendAttention(sessionID string, ev protocol.AttentionRequiredEvent)
}

// PushSink enqueues push notifications for delivery by the external
// push-token store.
type PushSink interface {
	EnqueuePush(ctx context.Context, ev protocol.AttentionRequiredEvent) error
}

// NopPushSink discards pushes. Used when no push backend is configured.
type NopPushSink struct{}

func (NopPushSink) EnqueuePush(context.Context, protocol.AttentionRequiredEvent) error { return nil }

// Dispatcher subscribes to attention events and applies the suppression
// policy against the current session set.
type Dispatcher struct {
	presence  Presence
	push      PushSink
	logger    *logger.Logger
	staleness time.Duration

	sub bus.Subscription
	now func() time.Time
}

// NewDispatcher creates a dispatcher. staleness is the heartbeat age beyond
// which a session no longer counts as active, conventionally 2x keepalive.
func NewDispatcher(p Presence, sink PushSink, staleness time.Duration, log *logger.Logger) *Dispatcher {
	if sink == nil {
		sink = NopPushSink{}
	}
	return &Dispatcher{
		presence:  p,
		push:      sink,
		logger:    log.WithFields(zap.String("component", "notify")),
		staleness: staleness,
		now:       time.Now,
	}
}

// Start subscribes to attention events on the bus.
func (d *Dispatcher) Start(eb bus.EventBus) error {
	sub, err := eb.Subscribe(bus.SubjectAttention, func(ctx context.Context, ev *bus.Event) error {
		var attention protocol.AttentionRequiredEvent
		if err := ev.DecodeData(&attention); err != nil {
			return err
		}
		d.Dispatch(ctx, attention)
		return nil
	})
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop unsubscribes from the bus.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}
}

// Dispatch applies the policy: deliver the event to every session with a
// per-session shouldNotify verdict, and enqueue a push when every session
// is stale.
func (d *Dispatcher) Dispatch(ctx context.Context, ev protocol.AttentionRequiredEvent) {
	sessions := d.presence.Sessions()
	verdicts := d.decide(ev.AgentID, sessions)

	for _, s := range sessions {
		out := ev
		out.ShouldNotify = verdicts[s.SessionID]
		d.presence.SendAttention(s.SessionID, out)
	}

	if d.allStale(sessions) {
		if err := d.push.EnqueuePush(ctx, ev); err != nil {
			d.logger.Warn("push enqueue failed",
				zap.String("agent_id", ev.AgentID), zap.Error(err))
		}
	}
}

// decide computes the per-session shouldNotify map for an agent's attention
// event.
func (d *Dispatcher) decide(agentID string, sessions []SessionInfo) map[string]bool {
	verdicts := make(map[string]bool, len(sessions))

	// Someone fresh and visible is focused on this agent: the user is
	// watching, suppress everywhere.
	watching := false
	for _, s := range sessions {
		if !d.stale(s) && s.Heartbeat.AppVisible && s.Heartbeat.FocusedAgentID == agentID {
			watching = true
			break
		}
	}

	for _, s := range sessions {
		if watching {
			verdicts[s.SessionID] = false
			continue
		}
		// Suppress only for a client actively using the app on a different
		// agent; idle or backgrounded clients get notified.
		activeElsewhere := !d.stale(s) && s.Heartbeat.AppVisible && s.Heartbeat.FocusedAgentID != ""
		verdicts[s.SessionID] = !activeElsewhere
	}
	return verdicts
}

func (d *Dispatcher) stale(s SessionInfo) bool {
	return d.now().Sub(s.LastHeartbeatAt) > d.staleness
}

func (d *Dispatcher) allStale(sessions []SessionInfo) bool {
	for _, s := range sessions {
		if !d.stale(s) {
			return false
		}
	}
	return true
}
