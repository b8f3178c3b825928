package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// Session is the bridge-side state of one client connection.
type Session struct {
	id         string
	remoteAddr string
	bridge     *Bridge
	send       SendFunc
	out        *outboundQueue
	logger     *logger.Logger

	mu           sync.Mutex
	clientID     string
	clientType   string
	protoVersion string
	heartbeat    protocol.HeartbeatPayload
	heartbeatAt  time.Time
	pending      map[string]*pendingRequest
	subs         map[string]*subscription
	terminals    map[string]struct{}

	// gate defers subscription events while a request is in flight so the
	// response reaches the client before events it caused.
	gate eventGate

	done      chan struct{}
	closeOnce sync.Once
}

// pendingRequest enforces exactly one response per requestId.
type pendingRequest struct {
	once  sync.Once
	timer *time.Timer
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ClientID returns the stable client identifier.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Close tears down the session: subscriptions, owned terminals, and the
// write pump. Agents are untouched; they outlive their clients.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		subs := make([]*subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subs = make(map[string]*subscription)
		terms := make([]string, 0, len(s.terminals))
		for id := range s.terminals {
			terms = append(terms, id)
		}
		s.terminals = make(map[string]struct{})
		s.mu.Unlock()

		for _, sub := range subs {
			sub.cancel()
		}
		for _, id := range terms {
			s.bridge.terminals.Close(id)
		}

		s.out.close()
		s.bridge.removeSession(s)
		s.logger.Info("session closed",
			zap.Uint64("dropped_messages", s.out.droppedCount()))
	})
}

// writePump drains the outbound queue onto the transport in order.
func (s *Session) writePump() {
	for {
		msg, ok := s.out.pop()
		if !ok {
			return
		}
		if err := s.send(msg); err != nil {
			s.logger.Debug("send failed, closing session", zap.Error(err))
			s.Close()
			return
		}
	}
}

// HandleMessage processes one inbound session message. Malformed or unknown
// messages produce status errors; the session stays open.
func (s *Session) HandleMessage(data []byte) {
	var msg protocol.SessionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.enqueue(protocol.NewStatus("", "error", errs.CodeBadRequest, "malformed session message"), true)
		return
	}
	s.HandleSessionMessage(&msg)
}

// HandleSessionMessage routes a parsed message.
func (s *Session) HandleSessionMessage(msg *protocol.SessionMessage) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(msg)
		return
	case protocol.TypeTerminalInput, protocol.TypeTerminalResize, protocol.TypeTerminalClose:
		s.handleTerminalCommand(msg)
		return
	}

	handler, ok := requestHandlers[msg.Type]
	if !ok {
		s.enqueue(protocol.NewStatus(msg.RequestID, "error",
			errs.CodeUnknownMessageType, "unknown message type "+msg.Type), true)
		return
	}
	if msg.RequestID == "" {
		s.enqueue(protocol.NewStatus("", "error",
			errs.CodeBadRequest, msg.Type+" requires a requestId"), true)
		return
	}
	s.dispatchRequest(handler, msg)
}

// dispatchRequest runs a handler under the request deadline, guaranteeing
// exactly one response for the correlator.
func (s *Session) dispatchRequest(handler requestHandler, msg *protocol.SessionMessage) {
	reqID := msg.RequestID
	timeout := s.bridge.cfg.RequestTimeout()

	p := &pendingRequest{}
	s.mu.Lock()
	if _, exists := s.pending[reqID]; exists {
		s.mu.Unlock()
		s.enqueue(protocol.NewStatus("", "error",
			errs.CodeBadRequest, "requestId "+reqID+" already in flight"), true)
		return
	}
	s.pending[reqID] = p
	s.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		s.respond(reqID, protocol.NewStatus(reqID, "error",
			errs.CodeTimeout, "request deadline exceeded"))
	})

	s.gate.begin()
	go func() {
		defer s.gate.end(s)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ctx = context.WithValue(ctx, logger.RequestIDKey, reqID)
		ctx = context.WithValue(ctx, logger.ClientIDKey, s.ClientID())

		resp, err := handler(ctx, s, msg)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).Debug("request failed",
				zap.String("type", msg.Type))
			resp = protocol.NewStatus(reqID, "error", errs.CodeOf(err), errs.MessageOf(err))
		} else if resp == nil {
			resp = protocol.NewStatus(reqID, "ok", "", "")
		}
		resp.RequestID = reqID
		s.respond(reqID, resp)
	}()
}

// respond consumes the correlator. Late or duplicate responses are dropped.
func (s *Session) respond(reqID string, resp *protocol.SessionMessage) {
	s.mu.Lock()
	p := s.pending[reqID]
	s.mu.Unlock()
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		s.enqueue(resp, true)
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	})
}

func (s *Session) handleHeartbeat(msg *protocol.SessionMessage) {
	var hb protocol.HeartbeatPayload
	if err := msg.ParsePayload(&hb); err != nil {
		s.enqueue(protocol.NewStatus(msg.RequestID, "error",
			errs.CodeBadRequest, "malformed heartbeat"), true)
		return
	}

	s.mu.Lock()
	s.heartbeat = hb
	s.heartbeatAt = time.Now().UTC()
	if hb.ClientID != "" {
		s.clientID = hb.ClientID
	}
	if hb.ClientType != "" {
		s.clientType = hb.ClientType
	}
	s.mu.Unlock()
}

// enqueue puts a message on the ordered outbound queue.
func (s *Session) enqueue(msg *protocol.SessionMessage, essential bool) {
	s.out.push(msg, essential)
}

// enqueueEvent routes a subscription event through the gate so in-flight
// request responses are delivered first.
func (s *Session) enqueueEvent(msg *protocol.SessionMessage, essential bool) {
	s.gate.enqueue(s, msg, essential)
}

// eventGate buffers subscription events while requests are in flight,
// preserving order, and flushes once the last response has been queued.
type eventGate struct {
	mu       sync.Mutex
	inflight int
	deferred []queuedMessage
}

func (g *eventGate) begin() {
	g.mu.Lock()
	g.inflight++
	g.mu.Unlock()
}

func (g *eventGate) end(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inflight--
	if g.inflight == 0 {
		// Flushed under the gate lock so no new event can interleave ahead.
		for _, item := range g.deferred {
			s.enqueue(item.msg, item.essential)
		}
		g.deferred = nil
	}
}

func (g *eventGate) enqueue(s *Session, msg *protocol.SessionMessage, essential bool) {
	g.mu.Lock()
	if g.inflight > 0 {
		g.deferred = append(g.deferred, queuedMessage{msg: msg, essential: essential})
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	s.enqueue(msg, essential)
}
