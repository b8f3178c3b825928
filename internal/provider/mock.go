package provider

import (
	"context"
	"sync"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// MockProvider is a scriptable in-process provider used by tests. Each
// launched session exposes Script* methods to inject events.
type MockProvider struct {
	mu       sync.Mutex
	sessions []*MockSession
	failNext error
	manifest Manifest
}

// NewMockProvider creates a mock with sensible defaults.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		manifest: Manifest{
			ID: "mock",
			Capabilities: protocol.Capabilities{
				Streaming:       true,
				Persistence:     true,
				DynamicModes:    true,
				ToolInvocations: true,
				ReasoningStream: true,
			},
			Modes: []protocol.Mode{
				{ID: "default", Name: "Default"},
				{ID: "auto", Name: "Auto"},
			},
			DefaultModeID: "default",
		},
	}
}

func (p *MockProvider) ID() string         { return "mock" }
func (p *MockProvider) Manifest() Manifest { return p.manifest }

// FailNextLaunch makes the next Launch or Resume return err.
func (p *MockProvider) FailNextLaunch(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// Sessions returns every session launched so far.
func (p *MockProvider) Sessions() []*MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockSession(nil), p.sessions...)
}

// LastSession returns the most recently launched session.
func (p *MockProvider) LastSession() *MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

func (p *MockProvider) Launch(ctx context.Context, cfg LaunchConfig) (Session, error) {
	return p.open(cfg, "")
}

func (p *MockProvider) Resume(ctx context.Context, handle *store.Handle, cfg LaunchConfig) (Session, error) {
	if handle == nil || handle.SessionID == "" {
		return nil, errs.New(errs.CodeResumeFailed, "mock handle missing session id")
	}
	return p.open(cfg, handle.SessionID)
}

func (p *MockProvider) open(cfg LaunchConfig, sessionID string) (*MockSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	if sessionID == "" {
		sessionID = "mock-session"
	}
	sess := &MockSession{
		cfg:       cfg,
		sessionID: sessionID,
		events:    make(chan Event, 100),
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// MockSession records calls and lets tests script the event stream.
type MockSession struct {
	cfg       LaunchConfig
	sessionID string
	events    chan Event

	mu          sync.Mutex
	prompts     []string
	resolutions map[string]bool
	canceled    bool
	closed      bool
	modeID      string
}

func (s *MockSession) Events() <-chan Event { return s.events }

func (s *MockSession) Prompt(ctx context.Context, text string, images []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, text)
	return nil
}

func (s *MockSession) RespondPermission(ctx context.Context, requestID string, allow bool, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolutions == nil {
		s.resolutions = make(map[string]bool)
	}
	s.resolutions[requestID] = allow
	return nil
}

func (s *MockSession) SetMode(ctx context.Context, modeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modeID = modeID
	return nil
}

func (s *MockSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
	return nil
}

func (s *MockSession) Handle() *store.Handle {
	return &store.Handle{Provider: "mock", SessionID: s.sessionID}
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Prompts returns the prompts received so far.
func (s *MockSession) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Resolution reports how a permission request was resolved.
func (s *MockSession) Resolution(requestID string) (allow, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allow, ok = s.resolutions[requestID]
	return
}

// Canceled reports whether Cancel was called.
func (s *MockSession) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// ScriptEvent injects one event into the stream.
func (s *MockSession) ScriptEvent(ev Event) {
	s.events <- ev
}

// ScriptAssistant injects an assistant message item.
func (s *MockSession) ScriptAssistant(text string) {
	s.ScriptEvent(Event{Kind: EventItem, Item: &protocol.Item{
		Kind:             protocol.ItemAssistantMessage,
		AssistantMessage: &protocol.AssistantMessage{Text: text},
	}})
}

// ScriptTurnComplete injects a turn completion.
func (s *MockSession) ScriptTurnComplete() {
	s.ScriptEvent(Event{Kind: EventTurnComplete})
}

// ScriptPermission injects a permission solicitation.
func (s *MockSession) ScriptPermission(req *PermissionRequest) {
	s.ScriptEvent(Event{Kind: EventPermission, Permission: req})
}
