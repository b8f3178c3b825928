// Package provider adapts external coding-agent CLIs (Claude Code, Codex)
// to one session interface: launch or resume a process, stream normalized
// events, forward prompts and permission resolutions.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// Provider IDs.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
)

// EventKind discriminates session events.
type EventKind string

const (
	// EventItem carries a normalized timeline item.
	EventItem EventKind = "item"
	// EventPermission pauses the run until the request is resolved.
	EventPermission EventKind = "permission_request"
	// EventTurnComplete ends the current turn. Err is set on failure.
	EventTurnComplete EventKind = "turn_complete"
	// EventHandle reports a new resume handle.
	EventHandle EventKind = "handle_updated"
	// EventFatal terminates the session. The process is gone or unusable.
	EventFatal EventKind = "fatal"
)

// Event is one normalized occurrence on a provider session stream.
type Event struct {
	Kind EventKind

	Item       *protocol.Item
	Permission *PermissionRequest
	Handle     *store.Handle
	Err        string
}

// PermissionRequest is a provider's solicitation for approval.
type PermissionRequest struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"` // tool | bash | edit
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Manifest describes what a provider supports.
type Manifest struct {
	ID            string
	Capabilities  protocol.Capabilities
	Modes         []protocol.Mode
	DefaultModeID string
	DefaultModel  string
}

// LaunchConfig parameterizes a session launch.
type LaunchConfig struct {
	Cwd    string
	ModeID string
	Model  string
	Extra  json.RawMessage
}

// Session is one live conversation with a provider process. Events closes
// when the session ends; after that, only Close is valid.
type Session interface {
	// Events streams normalized session events in provider order.
	Events() <-chan Event
	// Prompt starts a turn with the given user input.
	Prompt(ctx context.Context, text string, images []string) error
	// RespondPermission resolves an outstanding permission request.
	RespondPermission(ctx context.Context, requestID string, allow bool, message string) error
	// SetMode switches the provider mode mid-session.
	SetMode(ctx context.Context, modeID string) error
	// Cancel interrupts the in-flight turn.
	Cancel(ctx context.Context) error
	// Handle returns the current resume descriptor, nil before the provider
	// assigned one.
	Handle() *store.Handle
	// Close terminates the provider process and releases the session.
	Close() error
}

// Provider launches and resumes sessions for one external CLI.
type Provider interface {
	ID() string
	Manifest() Manifest
	Launch(ctx context.Context, cfg LaunchConfig) (Session, error)
	Resume(ctx context.Context, handle *store.Handle, cfg LaunchConfig) (Session, error)
}

// Registry maps provider IDs to implementations.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

// Get resolves a provider by ID.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, errs.Newf(errs.CodeProviderUnavailable, "unknown provider %q", id)
	}
	return p, nil
}

// IDs lists registered provider IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}

// ValidateMode checks modeID against a manifest, returning the effective
// mode (the default when modeID is empty).
func ValidateMode(m Manifest, modeID string) (string, error) {
	if modeID == "" {
		return m.DefaultModeID, nil
	}
	for _, mode := range m.Modes {
		if mode.ID == modeID {
			return modeID, nil
		}
	}
	return "", errs.Newf(errs.CodeBadMode, "provider %s has no mode %q", m.ID, modeID)
}
