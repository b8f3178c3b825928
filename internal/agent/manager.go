package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/internal/provider"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/internal/timeline"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// Manager owns the agent map and mediates every client command against the
// lifecycle state machine. All state that a client has been told about is
// durable: record writes and timeline appends happen before the call
// returns.
type Manager struct {
	registry *provider.Registry
	engine   *timeline.Engine
	store    *store.Store
	bus      bus.EventBus
	logger   *logger.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewManager wires the agent manager.
func NewManager(reg *provider.Registry, eng *timeline.Engine, st *store.Store, eb bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		registry: reg,
		engine:   eng,
		store:    st,
		bus:      eb,
		logger:   log.WithFields(zap.String("component", "agent-manager")),
		agents:   make(map[string]*Agent),
	}
}

// Restore loads persisted agents at startup. Sessions are not relaunched;
// the first send resumes the provider from its handle. An agent whose
// timeline is corrupt is surfaced in state error rather than dropped.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.LoadRecords()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		if rec.ArchivedAt == nil {
			if err := m.engine.Open(rec.ID); err != nil {
				m.logger.Error("timeline unavailable for restored agent",
					zap.String("agent_id", rec.ID), zap.Error(err))
				rec.State = protocol.AgentStateError
			} else if rec.State == protocol.AgentStateRunning || rec.State == protocol.AgentStatePermission {
				// The turn died with the previous process.
				rec.State = protocol.AgentStateIdle
			}
		}
		m.agents[rec.ID] = &Agent{rec: rec}
		m.logger.Info("restored agent",
			zap.String("agent_id", rec.ID),
			zap.String("state", rec.State))
	}
	return nil
}

// CreateAgent launches a new provider session and registers the agent.
func (m *Manager) CreateAgent(ctx context.Context, req *protocol.CreateAgentRequest) (protocol.AgentSnapshot, error) {
	prov, err := m.registry.Get(req.Provider)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}
	manifest := prov.Manifest()

	modeID, err := provider.ValidateMode(manifest, req.ModeID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}

	session, err := prov.Launch(ctx, provider.LaunchConfig{
		Cwd:    req.Cwd,
		ModeID: modeID,
		Model:  req.Model,
		Extra:  req.Extra,
	})
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}

	now := time.Now().UTC()
	rec := &store.AgentRecord{
		ID:             uuid.New().String(),
		Provider:       req.Provider,
		Cwd:            req.Cwd,
		Title:          req.Title,
		ModeID:         modeID,
		Model:          req.Model,
		State:          protocol.AgentStateIdle,
		Capabilities:   manifest.Capabilities,
		AvailableModes: manifest.Modes,
		Labels:         req.Labels,
		Extra:          req.Extra,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	// Durability barrier: record on disk before the client hears about it.
	if err := m.store.SaveRecord(rec); err != nil {
		_ = session.Close()
		return protocol.AgentSnapshot{}, err
	}
	if err := m.engine.Open(rec.ID); err != nil {
		_ = session.Close()
		return protocol.AgentSnapshot{}, err
	}

	ag := &Agent{rec: rec, manifest: manifest, session: session, loopDone: make(chan struct{})}
	m.mu.Lock()
	m.agents[rec.ID] = ag
	m.mu.Unlock()

	go m.runLoop(ag, session)

	m.logger.Info("agent created",
		zap.String("agent_id", rec.ID),
		zap.String("provider", rec.Provider),
		zap.String("cwd", rec.Cwd))
	m.publishDirectory(ctx)
	return ag.Snapshot(), nil
}

// ResumeAgent reattaches a provider session to an existing agent from its
// persistence handle.
func (m *Manager) ResumeAgent(ctx context.Context, req *protocol.ResumeAgentRequest) (protocol.AgentSnapshot, error) {
	ag, err := m.get(req.AgentID)
	if err != nil {
		return protocol.AgentSnapshot{}, err
	}

	ag.mu.Lock()
	if ag.session != nil {
		snap := snapshotLocked(ag.rec)
		ag.mu.Unlock()
		return snap, nil // already live
	}
	rec := ag.rec
	ag.mu.Unlock()

	if err := m.engine.Reopen(req.AgentID); err != nil {
		return protocol.AgentSnapshot{}, err
	}
	if err := m.attachSession(ctx, ag, req.ModeID, req.Model); err != nil {
		return protocol.AgentSnapshot{}, err
	}

	// ArchivedAt stays set: it is monotonic, and resume only reattaches a
	// session on top of the archived record.
	ag.mu.Lock()
	rec.State = protocol.AgentStateIdle
	ag.mu.Unlock()
	if err := m.store.SaveRecord(rec); err != nil {
		return protocol.AgentSnapshot{}, err
	}

	m.publishDirectory(ctx)
	return ag.Snapshot(), nil
}

// attachSession resumes the provider from the stored handle and starts a
// fresh run loop. The timeline rotates into a new epoch.
func (m *Manager) attachSession(ctx context.Context, ag *Agent, modeID, model string) error {
	ag.mu.Lock()
	rec := ag.rec
	ag.mu.Unlock()

	handle, err := m.store.LoadHandle(rec.ID)
	if err != nil {
		return err
	}
	if handle == nil {
		return errs.Newf(errs.CodeResumeFailed, "agent %q has no persistence handle", rec.ID)
	}

	prov, err := m.registry.Get(rec.Provider)
	if err != nil {
		return err
	}
	manifest := prov.Manifest()

	if modeID == "" {
		modeID = rec.ModeID
	}
	modeID, err = provider.ValidateMode(manifest, modeID)
	if err != nil {
		return err
	}
	if model == "" {
		model = rec.Model
	}

	session, err := prov.Resume(ctx, handle, provider.LaunchConfig{
		Cwd:    rec.Cwd,
		ModeID: modeID,
		Model:  model,
		Extra:  rec.Extra,
	})
	if err != nil {
		return err
	}

	ag.mu.Lock()
	ag.session = session
	ag.manifest = manifest
	ag.loopDone = make(chan struct{})
	rec.ModeID = modeID
	rec.Model = model
	ag.mu.Unlock()

	go m.runLoop(ag, session)
	m.logger.Info("agent session resumed", zap.String("agent_id", rec.ID))
	return nil
}

// SendMessage appends the user turn and drives the provider. The user
// message is durable before the response is produced.
func (m *Manager) SendMessage(ctx context.Context, req *protocol.SendMessageRequest) (protocol.Cursor, error) {
	ag, err := m.get(req.AgentID)
	if err != nil {
		return protocol.Cursor{}, err
	}

	ag.mu.Lock()
	state := ag.rec.State
	hasSession := ag.session != nil
	ag.mu.Unlock()

	switch state {
	case protocol.AgentStateIdle, protocol.AgentStateError:
	default:
		return protocol.Cursor{}, errs.WrongState(req.AgentID, state)
	}

	if !hasSession {
		if err := m.attachSession(ctx, ag, "", ""); err != nil {
			return protocol.Cursor{}, err
		}
	}

	cursor, err := m.engine.Append(req.AgentID, protocol.Item{
		Kind:        protocol.ItemUserMessage,
		UserMessage: &protocol.UserMessage{Text: req.Text, Images: req.Images},
	})
	if err != nil {
		return protocol.Cursor{}, err
	}

	ag.mu.Lock()
	ag.cancelRequested = false
	session := ag.session
	ag.mu.Unlock()

	m.setState(ctx, ag, protocol.AgentStateRunning)

	if err := session.Prompt(ctx, req.Text, req.Images); err != nil {
		m.setState(ctx, ag, protocol.AgentStateError)
		return protocol.Cursor{}, err
	}
	return cursor, nil
}

// RespondPermission resolves an outstanding request and un-pauses the run
// loop. The resolution is durable on the timeline before the response.
func (m *Manager) RespondPermission(ctx context.Context, req *protocol.RespondPermissionRequest) error {
	ag, err := m.get(req.AgentID)
	if err != nil {
		return err
	}

	pending := ag.takePermission(req.RequestID)
	if pending == nil {
		return errs.Newf(errs.CodePermissionNotFound, "permission request %q not found", req.RequestID)
	}

	allow := req.Resolution.Behavior == protocol.BehaviorAllow

	ag.mu.Lock()
	session := ag.session
	ag.mu.Unlock()
	if session == nil {
		return errs.WrongState(req.AgentID, protocol.AgentStateClosed)
	}
	if err := session.RespondPermission(ctx, pending.ID, allow, req.Resolution.Message); err != nil {
		return err
	}

	if _, err := m.engine.Append(req.AgentID, protocol.Item{
		Kind: protocol.ItemPermissionResolved,
		PermissionResolved: &protocol.PermissionResolved{
			RequestID: req.RequestID,
			Behavior:  req.Resolution.Behavior,
			Message:   req.Resolution.Message,
		},
	}); err != nil {
		return err
	}

	if ag.pendingPermission() == nil {
		m.setState(ctx, ag, protocol.AgentStateRunning)
	}
	return nil
}

// SetMode switches the provider mode mid-session.
func (m *Manager) SetMode(ctx context.Context, req *protocol.SetModeRequest) error {
	ag, err := m.get(req.AgentID)
	if err != nil {
		return err
	}

	ag.mu.Lock()
	manifest := ag.manifest
	session := ag.session
	rec := ag.rec
	ag.mu.Unlock()

	if !rec.Capabilities.DynamicModes {
		return errs.Newf(errs.CodeUnsupported, "provider %s cannot switch modes mid-session", rec.Provider)
	}
	modeID, err := provider.ValidateMode(manifest, req.ModeID)
	if err != nil {
		return err
	}
	if session != nil {
		if err := session.SetMode(ctx, modeID); err != nil {
			return err
		}
	}

	ag.mu.Lock()
	rec.ModeID = modeID
	ag.mu.Unlock()
	if err := m.store.SaveRecord(rec); err != nil {
		return err
	}

	_, err = m.engine.Append(req.AgentID, protocol.Item{
		Kind:       protocol.ItemModeUpdate,
		ModeUpdate: &protocol.ModeUpdate{ModeID: modeID},
	})
	if err != nil {
		return err
	}
	m.publishDirectory(ctx)
	return nil
}

// SetModel records a model change. Models bind at launch, so the change is
// only accepted while no session is live; it applies on the next resume.
func (m *Manager) SetModel(ctx context.Context, req *protocol.SetModelRequest) error {
	ag, err := m.get(req.AgentID)
	if err != nil {
		return err
	}

	ag.mu.Lock()
	if ag.session != nil {
		state := ag.rec.State
		ag.mu.Unlock()
		if state == protocol.AgentStateRunning || state == protocol.AgentStatePermission {
			return errs.WrongState(req.AgentID, state)
		}
		return errs.New(errs.CodeUnsupported, "model binds at session launch; archive and resume to switch")
	}
	rec := ag.rec
	rec.Model = req.Model
	ag.mu.Unlock()

	if err := m.store.SaveRecord(rec); err != nil {
		return err
	}
	m.publishDirectory(ctx)
	return nil
}

// Cancel cooperatively cancels the in-flight run. An in-flight tool call is
// recorded with status canceled.
func (m *Manager) Cancel(ctx context.Context, agentID string) error {
	ag, err := m.get(agentID)
	if err != nil {
		return err
	}

	ag.mu.Lock()
	session := ag.session
	ag.cancelRequested = true
	runningTool := ag.runningToolID
	runningName := ag.runningToolName
	ag.runningToolID = ""
	ag.runningToolName = ""
	ag.mu.Unlock()

	if session == nil {
		return nil
	}

	if runningTool != "" {
		if _, err := m.engine.Append(agentID, protocol.Item{
			Kind: protocol.ItemToolCall,
			ToolCall: &protocol.ToolCall{
				CallID: runningTool,
				Name:   runningName,
				Status: protocol.ToolStatusCanceled,
				Detail: protocol.ToolDetail{Kind: protocol.ToolDetailUnknown},
			},
		}); err != nil {
			m.logger.Warn("cancel marker append failed", zap.Error(err))
		}
	}
	return session.Cancel(ctx)
}

// ArchiveAgent closes the session and marks the agent archived. Running
// agents are refused unless force is set.
func (m *Manager) ArchiveAgent(ctx context.Context, req *protocol.ArchiveAgentRequest) (time.Time, error) {
	ag, err := m.get(req.AgentID)
	if err != nil {
		return time.Time{}, err
	}

	ag.mu.Lock()
	state := ag.rec.State
	ag.mu.Unlock()
	if (state == protocol.AgentStateRunning || state == protocol.AgentStatePermission) && !req.Force {
		return time.Time{}, errs.WrongState(req.AgentID, state)
	}

	ag.mu.Lock()
	session := ag.session
	ag.session = nil
	rec := ag.rec
	ag.mu.Unlock()

	if session != nil {
		if h := session.Handle(); h != nil {
			if err := m.store.SaveHandle(rec.ID, h); err != nil {
				m.logger.Warn("handle flush on archive failed", zap.Error(err))
			}
		}
		_ = session.Close()
	}

	now := time.Now().UTC()
	ag.mu.Lock()
	rec.ArchivedAt = &now
	rec.State = protocol.AgentStateClosed
	ag.mu.Unlock()
	if err := m.store.SaveRecord(rec); err != nil {
		return time.Time{}, err
	}
	if err := m.engine.Close(rec.ID); err != nil {
		m.logger.Warn("timeline close failed", zap.Error(err))
	}

	m.publishDirectory(ctx)
	m.publishState(ctx, rec.ID, protocol.AgentStateClosed)
	return now, nil
}

// DeleteAgent permanently removes the agent, its timeline, and its record.
func (m *Manager) DeleteAgent(ctx context.Context, agentID string) error {
	ag, err := m.get(agentID)
	if err != nil {
		return err
	}

	ag.mu.Lock()
	session := ag.session
	ag.session = nil
	ag.rec.State = protocol.AgentStateClosed
	ag.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}

	m.engine.Remove(agentID)
	if err := m.store.DeleteAgent(agentID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()

	m.logger.Info("agent deleted", zap.String("agent_id", agentID))
	m.publishDirectory(ctx)
	m.publishState(ctx, agentID, protocol.AgentStateClosed)
	return nil
}

// ListAgents renders the directory, optionally including archived agents.
func (m *Manager) ListAgents(includeArchived bool) []protocol.AgentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := make([]protocol.AgentSnapshot, 0, len(m.agents))
	for _, ag := range m.agents {
		snap := ag.Snapshot()
		if snap.ArchivedAt != nil && !includeArchived {
			continue
		}
		snaps = append(snaps, snap)
	}
	sortSnapshots(snaps)
	return snaps
}

// Get returns one agent.
func (m *Manager) Get(agentID string) (*Agent, error) {
	return m.get(agentID)
}

// PendingPermission exposes the head of an agent's permission queue.
func (m *Manager) PendingPermission(agentID string) (*provider.PermissionRequest, error) {
	ag, err := m.get(agentID)
	if err != nil {
		return nil, err
	}
	return ag.pendingPermission(), nil
}

// Close shuts down every live session, flushing handles first.
func (m *Manager) Close() {
	m.mu.Lock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		agents = append(agents, ag)
	}
	m.mu.Unlock()

	for _, ag := range agents {
		ag.mu.Lock()
		session := ag.session
		ag.session = nil
		id := ag.rec.ID
		ag.mu.Unlock()
		if session == nil {
			continue
		}
		if h := session.Handle(); h != nil {
			if err := m.store.SaveHandle(id, h); err != nil {
				m.logger.Warn("handle flush on shutdown failed", zap.Error(err))
			}
		}
		_ = session.Close()
	}
}

func (m *Manager) get(agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ag, ok := m.agents[agentID]
	if !ok {
		return nil, errs.AgentNotFound(agentID)
	}
	return ag, nil
}

func sortSnapshots(snaps []protocol.AgentSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
}
