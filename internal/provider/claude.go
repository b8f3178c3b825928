package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/pkg/claudewire"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

const claudeInitTimeout = 30 * time.Second

// ClaudeProvider launches Claude Code CLI processes in stream-json mode.
type ClaudeProvider struct {
	binary string
	logger *logger.Logger
}

// NewClaudeProvider creates the Claude adapter. binary defaults to "claude".
func NewClaudeProvider(binary string, log *logger.Logger) *ClaudeProvider {
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeProvider{
		binary: binary,
		logger: log.WithFields(zap.String("provider", ProviderClaude)),
	}
}

func (p *ClaudeProvider) ID() string { return ProviderClaude }

// Manifest lists Claude Code's permission modes.
func (p *ClaudeProvider) Manifest() Manifest {
	return Manifest{
		ID: ProviderClaude,
		Capabilities: protocol.Capabilities{
			Streaming:       true,
			Persistence:     true,
			DynamicModes:    true,
			ToolInvocations: true,
			ReasoningStream: true,
		},
		Modes: []protocol.Mode{
			{ID: "default", Name: "Default", Description: "Ask before every tool use"},
			{ID: "acceptEdits", Name: "Accept Edits", Description: "Auto-approve file edits"},
			{ID: "plan", Name: "Plan", Description: "Plan without executing"},
			{ID: "bypassPermissions", Name: "Bypass Permissions", Description: "Approve everything"},
		},
		DefaultModeID: "default",
	}
}

// Launch starts a fresh CLI process.
func (p *ClaudeProvider) Launch(ctx context.Context, cfg LaunchConfig) (Session, error) {
	return p.start(ctx, cfg, "")
}

// Resume relaunches the CLI against an existing session ID.
func (p *ClaudeProvider) Resume(ctx context.Context, handle *store.Handle, cfg LaunchConfig) (Session, error) {
	if handle == nil || handle.SessionID == "" {
		return nil, errs.New(errs.CodeResumeFailed, "claude handle missing session id")
	}
	sess, err := p.start(ctx, cfg, handle.SessionID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeResumeFailed, "claude resume failed", err)
	}
	return sess, nil
}

func (p *ClaudeProvider) start(ctx context.Context, cfg LaunchConfig, resumeSessionID string) (Session, error) {
	if info, err := os.Stat(cfg.Cwd); err != nil || !info.IsDir() {
		return nil, errs.Newf(errs.CodeBadCwd, "working directory %q does not exist", cfg.Cwd)
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if cfg.ModeID != "" && cfg.ModeID != "default" {
		args = append(args, "--permission-mode", cfg.ModeID)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}

	cmd := exec.Command(p.binary, args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.CodeProviderUnavailable, "cannot open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.CodeProviderUnavailable, "cannot open stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.CodeProviderUnavailable,
			fmt.Sprintf("cannot launch %s", p.binary), err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &claudeSession{
		cmd:      cmd,
		client:   claudewire.NewClient(stdin, stdout, p.logger),
		logger:   p.logger,
		events:   make(chan Event, 100),
		pending:  make(map[string]string),
		toolUses: make(map[string]*protocol.ToolCall),
		cancel:   cancel,
	}
	if resumeSessionID != "" {
		sess.handle = &store.Handle{Provider: ProviderClaude, SessionID: resumeSessionID}
	}

	sess.client.SetMessageHandler(sess.handleMessage)
	sess.client.SetRequestHandler(sess.handleControlRequest)
	<-sess.client.Start(sessCtx)

	if init, err := sess.client.Initialize(ctx, claudeInitTimeout); err != nil {
		p.logger.Warn("claude initialize handshake failed, continuing", zap.Error(err))
	} else if init != nil && len(init.Commands) > 0 {
		commands := make([]protocol.Command, 0, len(init.Commands))
		for _, c := range init.Commands {
			commands = append(commands, protocol.Command{Name: c.Name, Description: c.Description})
		}
		sess.emit(Event{Kind: EventItem, Item: &protocol.Item{
			Kind:           protocol.ItemCommandsUpdate,
			CommandsUpdate: &protocol.CommandsUpdate{Commands: commands},
		}})
	}

	go sess.reapProcess()
	return sess, nil
}

// claudeSession drives one CLI process.
type claudeSession struct {
	cmd    *exec.Cmd
	client *claudewire.Client
	logger *logger.Logger
	cancel context.CancelFunc

	events chan Event

	mu       sync.Mutex
	handle   *store.Handle
	pending  map[string]string             // our permission id -> cli request_id
	toolUses map[string]*protocol.ToolCall // tool_use_id -> running call
	closed   bool
}

func (s *claudeSession) Events() <-chan Event { return s.events }

func (s *claudeSession) Prompt(ctx context.Context, text string, images []string) error {
	// stream-json input carries text only; image paths are appended inline.
	content := text
	for _, img := range images {
		content += "\n[image attached: " + img + "]"
	}
	if err := s.client.SendPrompt(content); err != nil {
		return errs.Wrap(errs.CodeProviderUnavailable, "prompt write failed", err)
	}
	return nil
}

func (s *claudeSession) RespondPermission(ctx context.Context, requestID string, allow bool, message string) error {
	s.mu.Lock()
	cliRequestID, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodePermissionNotFound, "permission request %q not found", requestID)
	}

	behavior := claudewire.BehaviorDeny
	if allow {
		behavior = claudewire.BehaviorAllow
	}
	return s.client.SendControlResponse(&claudewire.ControlResponseMessage{
		Type:      claudewire.MessageTypeControlResponse,
		RequestID: cliRequestID,
		Response: &claudewire.ControlResponse{
			Subtype: "success",
			Result:  &claudewire.PermissionResult{Behavior: behavior, Message: message},
		},
	})
}

func (s *claudeSession) SetMode(ctx context.Context, modeID string) error {
	return s.client.SetPermissionMode(modeID)
}

func (s *claudeSession) Cancel(ctx context.Context) error {
	return s.client.Interrupt()
}

func (s *claudeSession) Handle() *store.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	h := *s.handle
	return &h
}

func (s *claudeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Stop()
	s.cancel()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

// reapProcess waits for the CLI to exit and emits a fatal event if the
// session was not deliberately closed.
func (s *claudeSession) reapProcess() {
	err := s.cmd.Wait()

	s.mu.Lock()
	deliberate := s.closed
	s.closed = true
	s.mu.Unlock()

	if !deliberate {
		msg := "claude process exited"
		if err != nil {
			msg = fmt.Sprintf("claude process exited: %v", err)
		}
		s.emit(Event{Kind: EventFatal, Err: msg})
	}
	close(s.events)
}

func (s *claudeSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("claude event buffer full, dropping", zap.String("kind", string(ev.Kind)))
	}
}

func (s *claudeSession) handleMessage(msg *claudewire.StreamMessage) {
	switch msg.Type {
	case claudewire.MessageTypeSystem:
		if msg.SessionID != "" {
			s.mu.Lock()
			s.handle = &store.Handle{Provider: ProviderClaude, SessionID: msg.SessionID}
			h := *s.handle
			s.mu.Unlock()
			s.emit(Event{Kind: EventHandle, Handle: &h})
		}

	case claudewire.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			s.handleContentBlock(block)
		}

	case claudewire.MessageTypeUser:
		// Tool results come back as user messages.
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type == "tool_result" {
				s.completeToolCall(block.ToolUseID, block.Content, block.IsError)
			}
		}

	case claudewire.MessageTypeResult:
		if msg.IsError {
			s.emit(Event{Kind: EventTurnComplete, Err: msg.ResultString()})
		} else {
			s.emit(Event{Kind: EventTurnComplete})
		}
	}
}

func (s *claudeSession) handleContentBlock(block claudewire.ContentBlock) {
	switch block.Type {
	case "text":
		s.emit(Event{Kind: EventItem, Item: &protocol.Item{
			Kind:             protocol.ItemAssistantMessage,
			AssistantMessage: &protocol.AssistantMessage{Text: block.Text},
		}})

	case "thinking":
		s.emit(Event{Kind: EventItem, Item: &protocol.Item{
			Kind:      protocol.ItemReasoning,
			Reasoning: &protocol.Reasoning{Text: block.Thinking},
		}})

	case "tool_use":
		call := &protocol.ToolCall{
			CallID: block.ID,
			Name:   block.Name,
			Status: protocol.ToolStatusRunning,
			Detail: ClassifyClaudeTool(block.Name, block.Input),
		}
		s.mu.Lock()
		s.toolUses[block.ID] = call
		s.mu.Unlock()
		s.emit(Event{Kind: EventItem, Item: &protocol.Item{
			Kind:     protocol.ItemToolCall,
			ToolCall: call,
		}})
	}
}

func (s *claudeSession) completeToolCall(toolUseID, content string, isError bool) {
	s.mu.Lock()
	running, ok := s.toolUses[toolUseID]
	if ok {
		delete(s.toolUses, toolUseID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	terminal := *running
	detail := running.Detail
	if raw, err := json.Marshal(content); err == nil {
		detail.RawOutput = raw
	}
	terminal.Detail = detail
	if isError {
		terminal.Status = protocol.ToolStatusFailed
		terminal.Error = firstLine(content)
	} else {
		terminal.Status = protocol.ToolStatusCompleted
	}
	s.emit(Event{Kind: EventItem, Item: &protocol.Item{
		Kind:     protocol.ItemToolCall,
		ToolCall: &terminal,
	}})
}

func (s *claudeSession) handleControlRequest(cliRequestID string, req *claudewire.ControlRequest) {
	if req.Subtype != claudewire.SubtypeCanUseTool {
		s.logger.Debug("ignoring control request", zap.String("subtype", req.Subtype))
		return
	}

	id := uuid.New().String()
	s.mu.Lock()
	s.pending[id] = cliRequestID
	s.mu.Unlock()

	kind := "tool"
	if req.ToolName == claudewire.ToolBash {
		kind = "bash"
	}
	s.emit(Event{Kind: EventPermission, Permission: &PermissionRequest{
		ID:        id,
		Kind:      kind,
		Name:      req.ToolName,
		Payload:   req.Input,
		CreatedAt: time.Now().UTC(),
	}})
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	if s == "" {
		return "tool failed"
	}
	return s
}

// ClassifyClaudeTool maps a Claude tool invocation to a normalized detail.
func ClassifyClaudeTool(name string, input json.RawMessage) protocol.ToolDetail {
	var fields struct {
		Command     string `json:"command"`
		FilePath    string `json:"file_path"`
		Pattern     string `json:"pattern"`
		Query       string `json:"query"`
		SubagentTyp string `json:"subagent_type"`
		Description string `json:"description"`
	}
	_ = json.Unmarshal(input, &fields)

	detail := protocol.ToolDetail{RawInput: input}
	switch name {
	case claudewire.ToolBash:
		detail.Kind = protocol.ToolDetailShell
		detail.Command = fields.Command
	case claudewire.ToolRead:
		detail.Kind = protocol.ToolDetailRead
		detail.FilePath = fields.FilePath
	case claudewire.ToolEdit, "NotebookEdit":
		detail.Kind = protocol.ToolDetailEdit
		detail.FilePath = fields.FilePath
	case claudewire.ToolWrite:
		detail.Kind = protocol.ToolDetailWrite
		detail.FilePath = fields.FilePath
	case claudewire.ToolGlob, claudewire.ToolGrep:
		detail.Kind = protocol.ToolDetailSearch
		detail.Query = fields.Pattern
	case claudewire.ToolWebSearch:
		detail.Kind = protocol.ToolDetailSearch
		detail.Query = fields.Query
	case claudewire.ToolTask:
		detail.Kind = protocol.ToolDetailSubAgent
		detail.SubAgentType = fields.SubagentTyp
		detail.Description = fields.Description
	default:
		detail.Kind = protocol.ToolDetailUnknown
	}
	return detail
}
