package claudewire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/logger"
)

// RequestHandler receives control requests originated by the CLI
// (permission solicitations). The handler answers via SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives streaming messages from the CLI.
type MessageHandler func(msg *StreamMessage)

// Client speaks stream-json with a Claude Code CLI process over its
// stdin/stdout pipes.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pendingMu sync.Mutex
	pending   map[string]chan *IncomingControlResponse

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient wraps the CLI's pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		logger:  log.WithFields(zap.String("component", "claudewire")),
		pending: make(map[string]chan *IncomingControlResponse),
		done:    make(chan struct{}),
	}
}

// SetRequestHandler registers the control request handler.
func (c *Client) SetRequestHandler(h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = h
}

// SetMessageHandler registers the streaming message handler.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = h
}

// Start launches the stdout read loop. The returned channel closes once the
// loop is reading.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop terminates the read loop. Idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Initialize performs the initialize control handshake and returns the CLI's
// advertised commands and modes. Requires input-format=stream-json.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	requestID := uuid.New().String()
	ch := make(chan *IncomingControlResponse, 1)

	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	req := &OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   ControlRequestBody{Subtype: SubtypeInitialize},
	}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("send initialize: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("initialize timed out after %v", timeout)
	case resp := <-ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("initialize failed: %s", resp.Error)
		}
		return resp.Response, nil
	}
}

// Interrupt asks the CLI to stop the current operation.
func (c *Client) Interrupt() error {
	return c.send(&OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   ControlRequestBody{Subtype: SubtypeInterrupt},
	})
}

// SetPermissionMode switches the CLI's permission mode.
func (c *Client) SetPermissionMode(mode string) error {
	return c.send(&OutgoingControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   ControlRequestBody{Subtype: SubtypeSetPermissionMode, Mode: mode},
	})
}

// SendControlResponse answers a CLI-originated control request.
func (c *Client) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// SendPrompt delivers a user prompt.
func (c *Client) SendPrompt(content string) error {
	return c.send(&PromptMessage{
		Type:    MessageTypeUser,
		Message: PromptBody{Role: "user", Content: content},
	})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool results can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop failed", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg StreamMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("unparseable line from cli", zap.Error(err))
		return
	}

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}

	if msg.Type == MessageTypeControlResponse {
		// request_id sits inside the response object.
		var envelope struct {
			Response *IncomingControlResponse `json:"response"`
		}
		if err := json.Unmarshal(line, &envelope); err == nil && envelope.Response != nil {
			c.handleControlResponse(envelope.Response)
		}
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		msg.Raw = append([]byte(nil), line...)
		handler(&msg)
	}
}

func (c *Client) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("control request with no handler, denying",
		zap.String("request_id", requestID),
		zap.String("subtype", req.Subtype))
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
	}); err != nil {
		c.logger.Warn("deny response failed", zap.Error(err))
	}
}

func (c *Client) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("control response for unknown request",
			zap.String("request_id", resp.RequestID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}
