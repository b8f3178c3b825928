package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

type fakePresence struct {
	sessions []SessionInfo
	sent     map[string]protocol.AttentionRequiredEvent
}

func (f *fakePresence) Sessions() []SessionInfo { return f.sessions }

func (f *fakePresence) SendAttention(sessionID string, ev protocol.AttentionRequiredEvent) {
	if f.sent == nil {
		f.sent = make(map[string]protocol.AttentionRequiredEvent)
	}
	f.sent[sessionID] = ev
}

type fakePush struct {
	pushed []protocol.AttentionRequiredEvent
}

func (f *fakePush) EnqueuePush(ctx context.Context, ev protocol.AttentionRequiredEvent) error {
	f.pushed = append(f.pushed, ev)
	return nil
}

const keepalive = 15 * time.Second

func newDispatcher(t *testing.T, p Presence, sink PushSink) *Dispatcher {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewDispatcher(p, sink, 2*keepalive, log)
}

func session(id, focused string, visible bool, age time.Duration) SessionInfo {
	return SessionInfo{
		SessionID: id,
		ClientID:  "client-" + id,
		Heartbeat: protocol.HeartbeatPayload{
			FocusedAgentID: focused,
			AppVisible:     visible,
		},
		LastHeartbeatAt: time.Now().Add(-age),
	}
}

func TestDispatch_WatcherSuppressesEveryone(t *testing.T) {
	presence := &fakePresence{sessions: []SessionInfo{
		session("s1", "agent-a", true, time.Second),
		session("s2", "", false, time.Second),
	}}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)

	d.Dispatch(context.Background(), protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionFinished,
	})

	require.Len(t, presence.sent, 2)
	assert.False(t, presence.sent["s1"].ShouldNotify)
	assert.False(t, presence.sent["s2"].ShouldNotify)
	assert.Empty(t, push.pushed)
}

func TestDispatch_ActiveOnOtherAgentSuppressedOthersNotified(t *testing.T) {
	presence := &fakePresence{sessions: []SessionInfo{
		session("busy", "agent-b", true, time.Second),
		session("idle", "", true, time.Second),
		session("background", "agent-b", false, time.Second),
	}}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)

	d.Dispatch(context.Background(), protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionPermission,
	})

	assert.False(t, presence.sent["busy"].ShouldNotify)
	assert.True(t, presence.sent["idle"].ShouldNotify)
	assert.True(t, presence.sent["background"].ShouldNotify)
	assert.Empty(t, push.pushed)
}

func TestDispatch_AllStaleEnqueuesPush(t *testing.T) {
	presence := &fakePresence{sessions: []SessionInfo{
		session("s1", "agent-a", true, time.Hour),
	}}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)

	d.Dispatch(context.Background(), protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionError,
	})

	assert.True(t, presence.sent["s1"].ShouldNotify)
	require.Len(t, push.pushed, 1)
	assert.Equal(t, "agent-a", push.pushed[0].AgentID)
}

func TestDispatch_NoSessionsEnqueuesPush(t *testing.T) {
	presence := &fakePresence{}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)

	d.Dispatch(context.Background(), protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionFinished,
	})

	require.Len(t, push.pushed, 1)
}

func TestDispatch_FreshWebSuppressesPushForStaleMobile(t *testing.T) {
	presence := &fakePresence{sessions: []SessionInfo{
		session("web", "agent-a", true, time.Second),
		session("mobile", "", false, time.Hour),
	}}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)

	d.Dispatch(context.Background(), protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionFinished,
	})

	assert.Empty(t, push.pushed)
	assert.False(t, presence.sent["mobile"].ShouldNotify)
}

func TestStart_DispatchesWireRoundTrippedEvents(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	presence := &fakePresence{sessions: []SessionInfo{
		session("idle", "", true, time.Second),
	}}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)
	require.NoError(t, d.Start(eb))
	defer d.Stop()

	// A NATS-backed bus delivers events as decoded JSON, not the published
	// struct; the dispatcher must handle both shapes.
	event := bus.NewEvent("agent.attention", "agent-manager", protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionPermission,
	})
	wire, err := json.Marshal(event)
	require.NoError(t, err)
	var arrived bus.Event
	require.NoError(t, json.Unmarshal(wire, &arrived))

	require.NoError(t, eb.Publish(context.Background(), bus.SubjectAttention, &arrived))

	require.Len(t, presence.sent, 1)
	got := presence.sent["idle"]
	assert.Equal(t, "agent-a", got.AgentID)
	assert.Equal(t, protocol.AttentionPermission, got.Reason)
	assert.True(t, got.ShouldNotify)
}

func TestStop_UnsubscribesFromBus(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(log)
	defer eb.Close()

	presence := &fakePresence{sessions: []SessionInfo{
		session("idle", "", true, time.Second),
	}}
	d := newDispatcher(t, presence, &fakePush{})
	require.NoError(t, d.Start(eb))
	d.Stop()

	event := bus.NewEvent("agent.attention", "agent-manager", protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionFinished,
	})
	require.NoError(t, eb.Publish(context.Background(), bus.SubjectAttention, event))

	assert.Empty(t, presence.sent)
}

func TestDispatch_WatcherOfDifferentAgentDoesNotSuppressAll(t *testing.T) {
	presence := &fakePresence{sessions: []SessionInfo{
		session("other", "agent-b", true, time.Second),
		session("idle", "", true, time.Second),
	}}
	push := &fakePush{}
	d := newDispatcher(t, presence, push)

	d.Dispatch(context.Background(), protocol.AttentionRequiredEvent{
		AgentID: "agent-a", Reason: protocol.AttentionFinished,
	})

	assert.False(t, presence.sent["other"].ShouldNotify)
	assert.True(t, presence.sent["idle"].ShouldNotify)
}
