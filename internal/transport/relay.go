package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/bridge"
	"github.com/paseo-dev/paseo/internal/common/config"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

const (
	relayBackoffMin = time.Second
	relayBackoffMax = 30 * time.Second
)

// relayEnvelope is the multiplexing frame inside the daemon-relay tunnel.
// Each paired client gets a logical channel; data payloads are end-to-end
// sealed, so the relay never sees plaintext.
type relayEnvelope struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"` // open | data | close
	Data    []byte `json:"data,omitempty"`
}

// Envelope kinds.
const (
	relayOpen  = "open"
	relayData  = "data"
	relayClose = "close"
)

// channelHandshake is the first (plaintext) payload on a new channel. The
// client proves nothing here; trust comes from the sealed traffic, which
// only the holder of the matching ephemeral key can produce.
type channelHandshake struct {
	V                     int    `json:"v"`
	ClientID              string `json:"clientId"`
	ClientType            string `json:"clientType,omitempty"`
	Label                 string `json:"label,omitempty"`
	ClientPublicKeyB64    string `json:"clientPublicKeyB64"`
	EphemeralPublicKeyB64 string `json:"ephemeralPublicKeyB64"`
}

// RelayClient maintains the outbound tunnel to the relay and serves a
// bridge session per client channel.
type RelayClient struct {
	cfg      *config.Config
	bridge   *bridge.Bridge
	identity *Identity
	pairings *Pairings
	version  string
	logger   *logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*relayChannel
}

// NewRelayClient builds the relay tunnel client.
func NewRelayClient(cfg *config.Config, b *bridge.Bridge, id *Identity, pairings *Pairings, version string, log *logger.Logger) *RelayClient {
	return &RelayClient{
		cfg:      cfg,
		bridge:   b,
		identity: id,
		pairings: pairings,
		version:  version,
		logger:   log.WithFields(zap.String("component", "relay")),
		channels: make(map[string]*relayChannel),
	}
}

// Run dials the relay and serves until ctx is canceled, reconnecting with
// exponential backoff on tunnel loss.
func (r *RelayClient) Run(ctx context.Context) error {
	backoff := relayBackoffMin
	for {
		err := r.serveTunnel(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Warn("relay tunnel lost", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > relayBackoffMax {
			backoff = relayBackoffMax
		}
	}
}

func (r *RelayClient) serveTunnel(ctx context.Context) error {
	endpoint, err := url.Parse(r.cfg.Relay.Endpoint)
	if err != nil {
		return err
	}
	q := endpoint.Query()
	q.Set("role", "server")
	q.Set("serverId", r.identity.ServerID)
	endpoint.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	r.logger.Info("relay tunnel established", zap.String("endpoint", r.cfg.Relay.Endpoint))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	defer r.teardownChannels()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env relayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		r.handleEnvelope(&env)
	}
}

func (r *RelayClient) handleEnvelope(env *relayEnvelope) {
	switch env.Kind {
	case relayOpen:
		r.openChannel(env)
	case relayData:
		r.mu.Lock()
		ch := r.channels[env.Channel]
		r.mu.Unlock()
		if ch != nil {
			ch.handleData(env.Data)
		}
	case relayClose:
		r.closeChannel(env.Channel)
	}
}

// openChannel runs the E2EE handshake and binds a bridge session to the
// channel. Pairing failures close the channel without a session.
func (r *RelayClient) openChannel(env *relayEnvelope) {
	var hs channelHandshake
	if err := json.Unmarshal(env.Data, &hs); err != nil {
		r.sendEnvelope(&relayEnvelope{Channel: env.Channel, Kind: relayClose})
		return
	}

	if err := r.pairings.Verify(hs.ClientID, hs.ClientPublicKeyB64, hs.Label); err != nil {
		r.logger.Warn("relay channel refused",
			zap.String("client_id", hs.ClientID), zap.Error(err))
		r.sendEnvelope(&relayEnvelope{Channel: env.Channel, Kind: relayClose})
		return
	}

	ephemeralPub, err := base64.StdEncoding.DecodeString(hs.EphemeralPublicKeyB64)
	if err != nil {
		r.sendEnvelope(&relayEnvelope{Channel: env.Channel, Kind: relayClose})
		return
	}
	crypto, err := newSessionCrypto(r.identity.privateKey, ephemeralPub)
	if err != nil {
		r.sendEnvelope(&relayEnvelope{Channel: env.Channel, Kind: relayClose})
		return
	}

	ch := &relayChannel{id: env.Channel, crypto: crypto, relay: r}
	ch.session = r.bridge.NewSession(ch.sendSessionMessage, "relay:"+hs.ClientID)

	r.mu.Lock()
	r.channels[env.Channel] = ch
	r.mu.Unlock()

	hostname, _ := os.Hostname()
	_ = ch.sendFrame(protocol.NewWelcomeFrame(r.identity.ServerID, hostname, r.version, true))
}

func (r *RelayClient) closeChannel(id string) {
	r.mu.Lock()
	ch := r.channels[id]
	delete(r.channels, id)
	r.mu.Unlock()
	if ch != nil {
		ch.session.Close()
	}
}

func (r *RelayClient) teardownChannels() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]*relayChannel)
	r.conn = nil
	r.mu.Unlock()

	for _, ch := range channels {
		ch.session.Close()
	}
}

func (r *RelayClient) sendEnvelope(env *relayEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// relayChannel is one client's logical connection inside the tunnel.
type relayChannel struct {
	id      string
	crypto  *sessionCrypto
	relay   *RelayClient
	session *bridge.Session
}

// handleData opens a sealed frame from the client. Frames that fail
// authentication are dropped.
func (ch *relayChannel) handleData(sealed []byte) {
	plaintext, err := ch.crypto.Open(sealed)
	if err != nil {
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(plaintext, &frame); err != nil {
		return
	}
	switch frame.Type {
	case protocol.FramePing:
		_ = ch.sendFrame(&protocol.Frame{Type: protocol.FramePong})
	case protocol.FrameSession:
		ch.session.HandleMessage(frame.Message)
	}
}

func (ch *relayChannel) sendSessionMessage(msg *protocol.SessionMessage) error {
	frame, err := protocol.NewSessionFrame(msg)
	if err != nil {
		return err
	}
	return ch.sendFrame(frame)
}

func (ch *relayChannel) sendFrame(frame *protocol.Frame) error {
	plaintext, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	sealed, err := ch.crypto.Seal(plaintext)
	if err != nil {
		return err
	}
	return ch.relay.sendEnvelope(&relayEnvelope{Channel: ch.id, Kind: relayData, Data: sealed})
}
