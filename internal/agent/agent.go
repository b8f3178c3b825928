// Package agent owns the agent set: lifecycle state, run loops that drive
// provider sessions, permission brokering, and the durability barrier that
// makes every client-visible transition persistent before it is acknowledged.
package agent

import (
	"sync"
	"time"

	"github.com/paseo-dev/paseo/internal/provider"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// Agent is one supervised coding agent. The manager serializes writes per
// agent: the run loop is the only appender while a turn is in flight.
type Agent struct {
	mu sync.Mutex

	rec      *store.AgentRecord
	manifest provider.Manifest
	session  provider.Session

	// permissions queue; the head blocks the run loop.
	permissions []*provider.PermissionRequest

	cancelRequested bool
	runningToolID   string // callID of the in-flight tool, for cancel attribution
	runningToolName string
	loopDone        chan struct{}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.ID
}

// State returns the current lifecycle state.
func (a *Agent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.State
}

// Snapshot renders the wire representation.
func (a *Agent) Snapshot() protocol.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return snapshotLocked(a.rec)
}

func snapshotLocked(rec *store.AgentRecord) protocol.AgentSnapshot {
	return protocol.AgentSnapshot{
		ID:             rec.ID,
		Provider:       rec.Provider,
		Cwd:            rec.Cwd,
		Title:          rec.Title,
		ModeID:         rec.ModeID,
		Model:          rec.Model,
		State:          rec.State,
		Capabilities:   rec.Capabilities,
		AvailableModes: rec.AvailableModes,
		Labels:         rec.Labels,
		CreatedAt:      rec.CreatedAt,
		LastActivityAt: rec.LastActivityAt,
		ArchivedAt:     rec.ArchivedAt,
	}
}

// pendingPermission returns the head of the permission queue.
func (a *Agent) pendingPermission() *provider.PermissionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.permissions) == 0 {
		return nil
	}
	return a.permissions[0]
}

// takePermission removes and returns the request with the given id.
func (a *Agent) takePermission(requestID string) *provider.PermissionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, req := range a.permissions {
		if req.ID == requestID {
			a.permissions = append(a.permissions[:i], a.permissions[i+1:]...)
			return req
		}
	}
	return nil
}

func (a *Agent) touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rec.LastActivityAt = time.Now().UTC()
}
