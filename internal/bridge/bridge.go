// Package bridge multiplexes client sessions onto the daemon core: request
// routing with correlation, subscription fan-out, heartbeat presence, and
// per-session outbound queueing. One Session per connection, transport
// agnostic; the transport layer owns the socket and hands frames in.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/agent"
	"github.com/paseo-dev/paseo/internal/checkout"
	"github.com/paseo-dev/paseo/internal/common/config"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/internal/notify"
	"github.com/paseo-dev/paseo/internal/terminal"
	"github.com/paseo-dev/paseo/internal/timeline"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// SendFunc delivers one session message to the peer. The transport layer
// wraps it in a frame and writes it to the socket.
type SendFunc func(msg *protocol.SessionMessage) error

// Bridge owns the connected session set.
type Bridge struct {
	manager   *agent.Manager
	engine    *timeline.Engine
	bus       bus.EventBus
	checkouts *checkout.Service
	terminals *terminal.Service
	cfg       config.SessionConfig
	logger    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewBridge wires the session bridge.
func NewBridge(
	mgr *agent.Manager,
	eng *timeline.Engine,
	eb bus.EventBus,
	checkouts *checkout.Service,
	terminals *terminal.Service,
	cfg config.SessionConfig,
	log *logger.Logger,
) *Bridge {
	return &Bridge{
		manager:   mgr,
		engine:    eng,
		bus:       eb,
		checkouts: checkouts,
		terminals: terminals,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "bridge")),
		sessions:  make(map[string]*Session),
	}
}

// NewSession registers a connection and starts its write pump. The transport
// calls Close when the socket goes away.
func (b *Bridge) NewSession(send SendFunc, remoteAddr string) *Session {
	s := &Session{
		id:         uuid.New().String(),
		clientID:   uuid.New().String(), // server-issued until the client names itself
		remoteAddr: remoteAddr,
		bridge:     b,
		send:       send,
		out:        newOutboundQueue(b.cfg.OutboundHighWater),
		pending:    make(map[string]*pendingRequest),
		subs:       make(map[string]*subscription),
		terminals:  make(map[string]struct{}),
		done:       make(chan struct{}),
	}
	s.logger = b.logger.WithSessionID(s.id)

	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	go s.writePump()

	s.logger.Info("session opened", zap.String("remote_addr", remoteAddr))
	b.publishJoined(s)
	return s
}

// Sessions implements notify.Presence.
func (b *Bridge) Sessions() []notify.SessionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]notify.SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		s.mu.Lock()
		infos = append(infos, notify.SessionInfo{
			SessionID:       s.id,
			ClientID:        s.clientID,
			Heartbeat:       s.heartbeat,
			LastHeartbeatAt: s.heartbeatAt,
		})
		s.mu.Unlock()
	}
	return infos
}

// SendAttention implements notify.Presence. Attention events are essential:
// the queue never drops them.
func (b *Bridge) SendAttention(sessionID string, ev protocol.AttentionRequiredEvent) {
	b.mu.RLock()
	s, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	msg, err := protocol.NewMessage(protocol.TypeAttentionRequired, "", ev)
	if err != nil {
		return
	}
	s.enqueueEvent(msg, true)
}

// Staleness is the heartbeat age beyond which a session stops counting as
// active, 2x keepalive per protocol convention.
func (b *Bridge) Staleness() time.Duration {
	return 2 * b.cfg.Keepalive()
}

// CloseAll tears down every session, for daemon shutdown.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (b *Bridge) removeSession(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s.id)
	b.mu.Unlock()
}

func (b *Bridge) publishJoined(s *Session) {
	ev := bus.NewEvent("session.joined", "bridge", map[string]string{
		"sessionId": s.id,
		"clientId":  s.clientID,
	})
	if err := b.bus.Publish(context.Background(), bus.SubjectSessionJoined, ev); err != nil {
		b.logger.Warn("session joined publish failed", zap.Error(err))
	}
}
