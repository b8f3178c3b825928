package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/pkg/codexwire"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

const codexCallTimeout = 30 * time.Second

// Codex approval policies exposed as modes.
var codexModes = []protocol.Mode{
	{ID: "untrusted", Name: "Untrusted", Description: "Ask before every command"},
	{ID: "on-request", Name: "On Request", Description: "Ask when the model requests approval"},
	{ID: "on-failure", Name: "On Failure", Description: "Ask only after a sandboxed failure"},
	{ID: "never", Name: "Never", Description: "Never ask"},
}

// CodexProvider launches Codex app-server processes.
type CodexProvider struct {
	binary string
	logger *logger.Logger
}

// NewCodexProvider creates the Codex adapter. binary defaults to "codex".
func NewCodexProvider(binary string, log *logger.Logger) *CodexProvider {
	if binary == "" {
		binary = "codex"
	}
	return &CodexProvider{
		binary: binary,
		logger: log.WithFields(zap.String("provider", ProviderCodex)),
	}
}

func (p *CodexProvider) ID() string { return ProviderCodex }

// Manifest lists Codex approval policies as modes.
func (p *CodexProvider) Manifest() Manifest {
	return Manifest{
		ID: ProviderCodex,
		Capabilities: protocol.Capabilities{
			Streaming:       true,
			Persistence:     true,
			DynamicModes:    false, // approval policy is fixed at thread start
			ToolInvocations: true,
			ReasoningStream: true,
		},
		Modes:         codexModes,
		DefaultModeID: "on-request",
	}
}

// Launch starts an app-server process and opens a fresh thread.
func (p *CodexProvider) Launch(ctx context.Context, cfg LaunchConfig) (Session, error) {
	sess, err := p.boot(ctx, cfg)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, codexCallTimeout)
	defer cancel()
	resp, err := sess.client.Call(callCtx, codexwire.MethodThreadStart, codexwire.ThreadStartParams{
		Model:          cfg.Model,
		Cwd:            cfg.Cwd,
		ApprovalPolicy: cfg.ModeID,
	})
	if err != nil {
		_ = sess.Close()
		return nil, errs.Wrap(errs.CodeProviderUnavailable, "thread/start failed", err)
	}
	if err := sess.adoptThread(resp); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// Resume reopens an existing thread.
func (p *CodexProvider) Resume(ctx context.Context, handle *store.Handle, cfg LaunchConfig) (Session, error) {
	if handle == nil || handle.SessionID == "" {
		return nil, errs.New(errs.CodeResumeFailed, "codex handle missing thread id")
	}

	sess, err := p.boot(ctx, cfg)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, codexCallTimeout)
	defer cancel()
	resp, err := sess.client.Call(callCtx, codexwire.MethodThreadResume, codexwire.ThreadResumeParams{
		ThreadID:       handle.SessionID,
		Cwd:            cfg.Cwd,
		ApprovalPolicy: cfg.ModeID,
	})
	if err != nil {
		_ = sess.Close()
		return nil, errs.Wrap(errs.CodeResumeFailed, "thread/resume failed", err)
	}
	if resp.Error != nil {
		_ = sess.Close()
		return nil, errs.Newf(errs.CodeResumeFailed, "thread/resume rejected: %s", resp.Error.Message)
	}
	if err := sess.adoptThread(resp); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

func (p *CodexProvider) boot(ctx context.Context, cfg LaunchConfig) (*codexSession, error) {
	if info, err := os.Stat(cfg.Cwd); err != nil || !info.IsDir() {
		return nil, errs.Newf(errs.CodeBadCwd, "working directory %q does not exist", cfg.Cwd)
	}

	cmd := exec.Command(p.binary, "app-server")
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

	sess := &codexSession{
		cmd:      cmd,
		client:   codexwire.NewClient(stdin, stdout, p.logger),
		logger:   p.logger,
		events:   make(chan Event, 100),
		pending:  make(map[string]any),
		tools:    make(map[string]*protocol.ToolCall),
		streamed: make(map[string]bool),
	}
	sess.client.SetNotificationHandler(sess.handleNotification)
	sess.client.SetRequestHandler(sess.handleRequest)
	sess.client.Start(context.Background())

	callCtx, cancel := context.WithTimeout(ctx, codexCallTimeout)
	defer cancel()
	if _, err := sess.client.Call(callCtx, codexwire.MethodInitialize, codexwire.InitializeParams{
		ClientInfo: &codexwire.ClientInfo{Name: "paseo", Version: "1.0"},
	}); err != nil {
		_ = sess.Close()
		return nil, errs.Wrap(errs.CodeProviderUnavailable, "codex initialize failed", err)
	}
	if err := sess.client.Notify(codexwire.MethodInitialized, nil); err != nil {
		p.logger.Warn("initialized notification failed", zap.Error(err))
	}

	go sess.reapProcess()
	return sess, nil
}

// codexSession drives one app-server process bound to one thread.
type codexSession struct {
	cmd    *exec.Cmd
	client *codexwire.Client
	logger *logger.Logger

	events chan Event

	mu       sync.Mutex
	threadID string
	turnID   string
	pending  map[string]any                // our permission id -> rpc request id
	tools    map[string]*protocol.ToolCall // item id -> running call
	streamed map[string]bool               // item ids whose text arrived via deltas
	closed   bool
}

func (s *codexSession) adoptThread(resp *codexwire.Response) error {
	if resp.Error != nil {
		return errs.Newf(errs.CodeProviderUnavailable, "codex error: %s", resp.Error.Message)
	}
	var result codexwire.ThreadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return errs.New(errs.CodeProviderUnavailable, "codex returned no thread")
	}
	s.mu.Lock()
	s.threadID = result.Thread.ID
	s.mu.Unlock()
	s.emit(Event{Kind: EventHandle, Handle: &store.Handle{
		Provider:  ProviderCodex,
		SessionID: result.Thread.ID,
	}})
	return nil
}

func (s *codexSession) Events() <-chan Event { return s.events }

func (s *codexSession) Prompt(ctx context.Context, text string, images []string) error {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()

	input := []codexwire.UserInput{{Type: "text", Text: text}}
	for _, img := range images {
		input = append(input, codexwire.UserInput{Type: "localImage", Path: img})
	}

	// turn/start returns when the turn ends; events arrive as notifications.
	// Fire it without waiting so the caller's run loop can stream.
	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
		defer cancel()
		if _, err := s.client.Call(callCtx, codexwire.MethodTurnStart, codexwire.TurnStartParams{
			ThreadID: threadID,
			Input:    input,
		}); err != nil {
			s.logger.Warn("turn/start failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *codexSession) RespondPermission(ctx context.Context, requestID string, allow bool, message string) error {
	s.mu.Lock()
	rpcID, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return errs.Newf(errs.CodePermissionNotFound, "permission request %q not found", requestID)
	}

	decision := codexwire.DecisionDecline
	if allow {
		decision = codexwire.DecisionAccept
	}
	return s.client.Respond(rpcID, codexwire.ApprovalResponse{Decision: decision}, nil)
}

// SetMode is rejected: the approval policy binds at thread start.
func (s *codexSession) SetMode(ctx context.Context, modeID string) error {
	return errs.New(errs.CodeUnsupported, "codex approval policy is fixed per thread")
}

func (s *codexSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, codexCallTimeout)
	defer cancel()
	_, err := s.client.Call(callCtx, codexwire.MethodTurnInterrupt, codexwire.TurnInterruptParams{
		ThreadID: threadID,
	})
	return err
}

func (s *codexSession) Handle() *store.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID == "" {
		return nil
	}
	return &store.Handle{Provider: ProviderCodex, SessionID: s.threadID}
}

func (s *codexSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Stop()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

func (s *codexSession) reapProcess() {
	err := s.cmd.Wait()

	s.mu.Lock()
	deliberate := s.closed
	s.closed = true
	s.mu.Unlock()

	if !deliberate {
		msg := "codex process exited"
		if err != nil {
			msg = fmt.Sprintf("codex process exited: %v", err)
		}
		s.emit(Event{Kind: EventFatal, Err: msg})
	}
	close(s.events)
}

func (s *codexSession) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("codex event buffer full, dropping", zap.String("kind", string(ev.Kind)))
	}
}

func (s *codexSession) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codexwire.NotifyTurnStarted:
		var p struct {
			TurnID string `json:"turnId"`
		}
		if json.Unmarshal(params, &p) == nil {
			s.mu.Lock()
			s.turnID = p.TurnID
			s.mu.Unlock()
		}

	case codexwire.NotifyItemAgentMessageDelta:
		var p codexwire.DeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			s.markStreamed(p.ItemID)
			s.emit(Event{Kind: EventItem, Item: &protocol.Item{
				Kind:             protocol.ItemAssistantMessage,
				AssistantMessage: &protocol.AssistantMessage{Text: p.Delta},
			}})
		}

	case codexwire.NotifyItemReasoningTextDelta, codexwire.NotifyItemReasoningSummaryDelta:
		var p codexwire.DeltaParams
		if json.Unmarshal(params, &p) == nil && p.Delta != "" {
			s.markStreamed(p.ItemID)
			s.emit(Event{Kind: EventItem, Item: &protocol.Item{
				Kind:      protocol.ItemReasoning,
				Reasoning: &protocol.Reasoning{Text: p.Delta},
			}})
		}

	case codexwire.NotifyItemStarted:
		var p codexwire.ItemEventParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			s.handleItemStarted(p.Item)
		}

	case codexwire.NotifyItemCompleted:
		var p codexwire.ItemEventParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			s.handleItemCompleted(p.Item)
		}

	case codexwire.NotifyTurnPlanUpdated:
		var p codexwire.PlanUpdatedParams
		if json.Unmarshal(params, &p) == nil {
			entries := make([]protocol.PlanEntry, 0, len(p.Plan))
			for _, e := range p.Plan {
				entries = append(entries, protocol.PlanEntry{Content: e.Description, Status: e.Status})
			}
			s.emit(Event{Kind: EventItem, Item: &protocol.Item{
				Kind: protocol.ItemPlan,
				Plan: &protocol.Plan{Entries: entries},
			}})
		}

	case codexwire.NotifyTurnCompleted:
		var p codexwire.TurnCompletedParams
		if json.Unmarshal(params, &p) == nil && !p.Success {
			s.emit(Event{Kind: EventTurnComplete, Err: p.Error})
		} else {
			s.emit(Event{Kind: EventTurnComplete})
		}

	case codexwire.NotifyError:
		var p codexwire.ErrorParams
		if json.Unmarshal(params, &p) == nil {
			s.emit(Event{Kind: EventItem, Item: &protocol.Item{
				Kind:  protocol.ItemError,
				Error: &protocol.ErrorItem{Message: p.Message},
			}})
		}
	}
}

func (s *codexSession) handleItemStarted(item *codexwire.Item) {
	call := codexToolCall(item)
	if call == nil {
		return
	}
	s.mu.Lock()
	s.tools[item.ID] = call
	s.mu.Unlock()
	s.emit(Event{Kind: EventItem, Item: &protocol.Item{
		Kind:     protocol.ItemToolCall,
		ToolCall: call,
	}})
}

func (s *codexSession) handleItemCompleted(item *codexwire.Item) {
	switch item.Type {
	case "agentMessage":
		// Deltas already streamed the text; a completion that was never
		// streamed still carries it whole.
		if s.wasStreamed(item.ID) || item.Text == "" {
			return
		}
		s.emit(Event{Kind: EventItem, Item: &protocol.Item{
			Kind:             protocol.ItemAssistantMessage,
			AssistantMessage: &protocol.AssistantMessage{Text: item.Text},
		}})

	case "reasoning":
		if s.wasStreamed(item.ID) {
			return
		}
		if text := item.Content.Text() + item.Summary.Text(); text != "" {
			s.emit(Event{Kind: EventItem, Item: &protocol.Item{
				Kind:      protocol.ItemReasoning,
				Reasoning: &protocol.Reasoning{Text: text},
			}})
		}

	case "commandExecution", "fileChange", "mcpToolCall":
		s.mu.Lock()
		running, ok := s.tools[item.ID]
		if ok {
			delete(s.tools, item.ID)
		}
		s.mu.Unlock()
		if !ok {
			running = codexToolCall(item)
			if running == nil {
				return
			}
		}

		terminal := *running
		terminal.Detail.RawOutput = codexToolOutput(item)
		switch item.Status {
		case "failed":
			terminal.Status = protocol.ToolStatusFailed
			terminal.Error = codexToolError(item)
		default:
			terminal.Status = protocol.ToolStatusCompleted
		}
		s.emit(Event{Kind: EventItem, Item: &protocol.Item{
			Kind:     protocol.ItemToolCall,
			ToolCall: &terminal,
		}})
	}
}

func (s *codexSession) markStreamed(itemID string) {
	s.mu.Lock()
	s.streamed[itemID] = true
	s.mu.Unlock()
}

func (s *codexSession) wasStreamed(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	streamed := s.streamed[itemID]
	delete(s.streamed, itemID)
	return streamed
}

func (s *codexSession) handleRequest(id any, method string, params json.RawMessage) {
	switch method {
	case codexwire.NotifyItemCmdExecRequestApproval:
		var p codexwire.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = s.client.Respond(id, nil, &codexwire.Error{Code: codexwire.InvalidParams, Message: "bad approval params"})
			return
		}
		s.solicit(id, "bash", p.Command, params)

	case codexwire.NotifyItemFileChangeApproval:
		var p codexwire.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			_ = s.client.Respond(id, nil, &codexwire.Error{Code: codexwire.InvalidParams, Message: "bad approval params"})
			return
		}
		s.solicit(id, "edit", p.Path, params)

	default:
		_ = s.client.Respond(id, nil, &codexwire.Error{Code: codexwire.MethodNotFound, Message: "method not found"})
	}
}

func (s *codexSession) solicit(rpcID any, kind, name string, payload json.RawMessage) {
	id := uuid.New().String()
	s.mu.Lock()
	s.pending[id] = rpcID
	s.mu.Unlock()

	s.emit(Event{Kind: EventPermission, Permission: &PermissionRequest{
		ID:        id,
		Kind:      kind,
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}})
}

// codexToolCall maps a started item to a running tool call, nil for item
// types that are not tool-shaped.
func codexToolCall(item *codexwire.Item) *protocol.ToolCall {
	switch item.Type {
	case "commandExecution":
		return &protocol.ToolCall{
			CallID: item.ID,
			Name:   "commandExecution",
			Status: protocol.ToolStatusRunning,
			Detail: protocol.ToolDetail{
				Kind:    protocol.ToolDetailShell,
				Command: item.Command,
			},
		}
	case "fileChange":
		detail := protocol.ToolDetail{Kind: protocol.ToolDetailEdit}
		if len(item.Changes) > 0 {
			detail.FilePath = item.Changes[0].Path
		}
		return &protocol.ToolCall{
			CallID: item.ID,
			Name:   "fileChange",
			Status: protocol.ToolStatusRunning,
			Detail: detail,
		}
	case "mcpToolCall":
		return &protocol.ToolCall{
			CallID: item.ID,
			Name:   item.Tool,
			Status: protocol.ToolStatusRunning,
			Detail: protocol.ToolDetail{
				Kind:     protocol.ToolDetailUnknown,
				RawInput: item.Arguments,
			},
		}
	}
	return nil
}

func codexToolOutput(item *codexwire.Item) json.RawMessage {
	if item.AggregatedOutput != "" {
		raw, _ := json.Marshal(item.AggregatedOutput)
		return raw
	}
	return item.Result
}

func codexToolError(item *codexwire.Item) string {
	if item.ToolError != "" {
		return item.ToolError
	}
	if item.ExitCode != nil {
		return fmt.Sprintf("exit code %d", *item.ExitCode)
	}
	return "tool failed"
}
