package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/bridge"
	"github.com/paseo-dev/paseo/internal/common/config"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

const (
	maxFrameSize   = 512 * 1024
	writeTimeout   = 10 * time.Second
	maxMissedPongs = 3
)

// ErrBindConflict marks a listen address already in use, mapped to exit
// code 2 by the daemon entrypoint.
var ErrBindConflict = errors.New("listen address already in use")

// Server is the direct WebSocket ingress.
type Server struct {
	cfg      *config.Config
	bridge   *bridge.Bridge
	identity *Identity
	version  string
	logger   *logger.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer builds the direct listener.
func NewServer(cfg *config.Config, b *bridge.Bridge, id *Identity, version string, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		bridge:   b,
		identity: id,
		version:  version,
		logger:   log.WithFields(zap.String("component", "transport")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits browser clients from the configured hosts. Non-browser
// clients send no Origin and are always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, host := range s.cfg.Pairing.AllowedHosts {
		if origin == host {
			return true
		}
	}
	return origin == s.cfg.Pairing.AppBaseURL
}

// Run binds the listener and serves until ctx is canceled. A bind conflict
// returns ErrBindConflict.
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", s.handleWS)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "serverId": s.identity.ServerID})
	})

	var ln net.Listener
	var err error
	if s.cfg.IsUnixSocket() {
		path := s.cfg.UnixSocketPath()
		_ = os.Remove(path)
		ln, err = net.Listen("unix", path)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
	}
	if err != nil {
		if isAddrInUse(err) {
			return ErrBindConflict
		}
		return err
	}

	s.httpSrv = &http.Server{Handler: engine}
	s.logger.Info("listening", zap.String("addr", s.cfg.Listen))

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Syscall == "bind"
		}
	}
	return false
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	clientID := c.Query("clientId")
	s.serveConn(conn, c.ClientIP(), clientID)
}

// serveConn runs one direct connection: welcome, bridge session, app-level
// keepalive, read loop.
func (s *Server) serveConn(conn *websocket.Conn, remoteAddr, clientID string) {
	conn.SetReadLimit(maxFrameSize)

	cw := &connWriter{conn: conn}
	session := s.bridge.NewSession(func(msg *protocol.SessionMessage) error {
		frame, err := protocol.NewSessionFrame(msg)
		if err != nil {
			return err
		}
		return cw.writeFrame(frame)
	}, remoteAddr)
	defer session.Close()

	hostname, _ := os.Hostname()
	resumed := clientID != ""
	if err := cw.writeFrame(protocol.NewWelcomeFrame(s.identity.ServerID, hostname, s.version, resumed)); err != nil {
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(conn, cw, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("connection closed", zap.String("remote_addr", remoteAddr), zap.Error(err))
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case protocol.FramePing:
			_ = cw.writeFrame(&protocol.Frame{Type: protocol.FramePong})
		case protocol.FramePong:
			cw.pongReceived()
		case protocol.FrameSession:
			session.HandleMessage(frame.Message)
		}
	}
}

// keepalive sends app-level pings; after three unanswered pings the
// connection is presumed dead and closed.
func (s *Server) keepalive(conn *websocket.Conn, cw *connWriter, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.Session.Keepalive())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if cw.missedPongs() >= maxMissedPongs {
				_ = conn.Close()
				return
			}
			cw.pingSent()
			if err := cw.writeFrame(&protocol.Frame{Type: protocol.FramePing}); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// connWriter serializes frame writes to one websocket connection.
type connWriter struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending int // pings sent since the last pong
}

func (w *connWriter) writeFrame(frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *connWriter) pingSent() {
	w.mu.Lock()
	w.pending++
	w.mu.Unlock()
}

func (w *connWriter) pongReceived() {
	w.mu.Lock()
	w.pending = 0
	w.mu.Unlock()
}

func (w *connWriter) missedPongs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}
