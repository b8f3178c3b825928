package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/internal/agent"
	"github.com/paseo-dev/paseo/internal/bridge"
	"github.com/paseo-dev/paseo/internal/checkout"
	"github.com/paseo-dev/paseo/internal/common/config"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/internal/provider"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/internal/terminal"
	"github.com/paseo-dev/paseo/internal/timeline"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

type transportFixture struct {
	server   *Server
	identity *Identity
	store    *store.Store
	logger   *logger.Logger
	cfg      *config.Config
}

func newTransportFixture(t *testing.T) *transportFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mock := provider.NewMockProvider()
	eng := timeline.NewEngine(st, log)
	eb := bus.NewMemoryEventBus(log)
	mgr := agent.NewManager(provider.NewRegistry(mock), eng, st, eb, log)
	checkouts := checkout.NewService(log)
	t.Cleanup(checkouts.Close)
	terminals := terminal.NewService(log)
	t.Cleanup(terminals.CloseAll)

	cfg := &config.Config{
		Listen: "127.0.0.1:0",
		Session: config.SessionConfig{
			KeepaliveSeconds:      15,
			RequestTimeoutSeconds: 5,
			OutboundHighWater:     256,
		},
		Pairing: config.PairingConfig{AppBaseURL: "https://app.example.com"},
	}

	b := bridge.NewBridge(mgr, eng, eb, checkouts, terminals, cfg.Session, log)
	t.Cleanup(b.CloseAll)

	id, err := LoadIdentity(st)
	require.NoError(t, err)

	return &transportFixture{
		server:   NewServer(cfg, b, id, "test", log),
		identity: id,
		store:    st,
		logger:   log,
		cfg:      cfg,
	}
}

// dialTestConn exposes the server's connection handler over an httptest
// server and dials it.
func dialTestConn(t *testing.T, f *transportFixture) *websocket.Conn {
	t.Helper()
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.server.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go f.server.serveConn(conn, r.RemoteAddr, r.URL.Query().Get("clientId"))
	}))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame protocol.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return &frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame *protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestDirectConnWelcomeAndRequest(t *testing.T) {
	f := newTransportFixture(t)
	conn := dialTestConn(t, f)

	welcome := readFrame(t, conn)
	require.Equal(t, protocol.FrameWelcome, welcome.Type)
	assert.Equal(t, f.identity.ServerID, welcome.ServerID)
	assert.Equal(t, "test", welcome.Version)
	assert.False(t, welcome.Resumed)

	msg, err := protocol.NewMessage(protocol.TypeListAgentsRequest, "req-1", protocol.ListAgentsRequest{})
	require.NoError(t, err)
	frame, err := protocol.NewSessionFrame(msg)
	require.NoError(t, err)
	writeFrame(t, conn, frame)

	resp := readFrame(t, conn)
	require.Equal(t, protocol.FrameSession, resp.Type)
	var sessionMsg protocol.SessionMessage
	require.NoError(t, json.Unmarshal(resp.Message, &sessionMsg))
	assert.Equal(t, "req-1", sessionMsg.RequestID)
	assert.Equal(t, protocol.TypeListAgentsResponse, sessionMsg.Type)
}

func TestDirectConnPingPong(t *testing.T) {
	f := newTransportFixture(t)
	conn := dialTestConn(t, f)

	welcome := readFrame(t, conn)
	require.Equal(t, protocol.FrameWelcome, welcome.Type)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.FramePing})
	pong := readFrame(t, conn)
	assert.Equal(t, protocol.FramePong, pong.Type)
}

func TestPairingsTrustOnFirstUse(t *testing.T) {
	f := newTransportFixture(t)
	pairings, err := LoadPairings(f.store, f.logger)
	require.NoError(t, err)

	require.NoError(t, pairings.Verify("client-1", "key-a", "phone"))
	require.NoError(t, pairings.Verify("client-1", "key-a", "phone"))
	err = pairings.Verify("client-1", "key-b", "phone")
	require.Error(t, err)

	// Pairings survive a reload.
	reloaded, err := LoadPairings(f.store, f.logger)
	require.NoError(t, err)
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, "client-1", list[0].ClientID)
	assert.Equal(t, "key-a", list[0].PublicKeyB64)

	require.NoError(t, reloaded.Forget("client-1"))
	assert.Empty(t, reloaded.List())
}

// fakeRelay accepts the daemon's tunnel and drives one client channel
// through the E2EE handshake.
func TestRelayChannelEndToEnd(t *testing.T) {
	f := newTransportFixture(t)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	tunnelReady := make(chan *websocket.Conn, 1)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "server", r.URL.Query().Get("role"))
		assert.Equal(t, f.identity.ServerID, r.URL.Query().Get("serverId"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tunnelReady <- conn
	}))
	t.Cleanup(httpSrv.Close)

	f.cfg.Relay.Endpoint = "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	pairings, err := LoadPairings(f.store, f.logger)
	require.NoError(t, err)

	relay := NewRelayClient(f.cfg, f.server.bridge, f.identity, pairings, "test", f.logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = relay.Run(ctx) }()

	var tunnel *websocket.Conn
	select {
	case tunnel = <-tunnelReady:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon never dialed the relay")
	}

	// Client side of the channel.
	clientPriv, clientEphemeralPub, err := generateEphemeralKey()
	require.NoError(t, err)
	_, clientStaticPub, err := generateEphemeralKey()
	require.NoError(t, err)
	crypto, err := clientSessionCrypto(clientPriv, f.identity.PublicKey)
	require.NoError(t, err)

	hs, err := json.Marshal(channelHandshake{
		V:                     offerVersion,
		ClientID:              "client-1",
		ClientPublicKeyB64:    base64.StdEncoding.EncodeToString(clientStaticPub),
		EphemeralPublicKeyB64: base64.StdEncoding.EncodeToString(clientEphemeralPub),
	})
	require.NoError(t, err)
	sendEnvelope(t, tunnel, &relayEnvelope{Channel: "ch-1", Kind: relayOpen, Data: hs})

	// Sealed welcome comes back.
	env := readEnvelope(t, tunnel)
	require.Equal(t, relayData, env.Kind)
	plain, err := crypto.Open(env.Data)
	require.NoError(t, err)
	var welcome protocol.Frame
	require.NoError(t, json.Unmarshal(plain, &welcome))
	assert.Equal(t, protocol.FrameWelcome, welcome.Type)
	assert.Equal(t, f.identity.ServerID, welcome.ServerID)

	// Sealed request, sealed response.
	msg, err := protocol.NewMessage(protocol.TypeListAgentsRequest, "relay-req-1", protocol.ListAgentsRequest{})
	require.NoError(t, err)
	frame, err := protocol.NewSessionFrame(msg)
	require.NoError(t, err)
	frameJSON, err := json.Marshal(frame)
	require.NoError(t, err)
	sealed, err := crypto.Seal(frameJSON)
	require.NoError(t, err)
	sendEnvelope(t, tunnel, &relayEnvelope{Channel: "ch-1", Kind: relayData, Data: sealed})

	env = readEnvelope(t, tunnel)
	plain, err = crypto.Open(env.Data)
	require.NoError(t, err)
	var respFrame protocol.Frame
	require.NoError(t, json.Unmarshal(plain, &respFrame))
	require.Equal(t, protocol.FrameSession, respFrame.Type)
	var resp protocol.SessionMessage
	require.NoError(t, json.Unmarshal(respFrame.Message, &resp))
	assert.Equal(t, "relay-req-1", resp.RequestID)
	assert.Equal(t, protocol.TypeListAgentsResponse, resp.Type)
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env *relayEnvelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *relayEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env relayEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}
