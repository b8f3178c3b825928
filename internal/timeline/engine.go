// Package timeline implements the per-agent canonical event log: an
// append-only, epoch-stamped stream with durable segments, live
// subscriptions, and a deterministic projected view for UIs.
//
// Each agent's log is single-writer (the owning run loop). Readers receive
// consistent snapshots: an entry is either fully visible or not at all.
package timeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/store"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// tailSnapshotLimit bounds the entries carried by a reset sentinel.
const tailSnapshotLimit = 200

// Engine owns every agent's timeline log.
type Engine struct {
	store  *store.Store
	logger *logger.Logger

	mu     sync.RWMutex
	agents map[string]*agentLog
}

// agentLog is one agent's timeline state. history holds prior epochs in
// ascending order; entries holds the current epoch.
type agentLog struct {
	mu          sync.RWMutex
	agentID     string
	epoch       uint64
	entries     []protocol.Entry
	history     []store.Segment
	prunedBelow uint64 // earliest retained seq in the current epoch; 1 when nothing pruned
	subscribers map[*Subscription]struct{}
	closed      bool
	corrupt     bool
	corruptErr  error
}

// NewEngine creates a timeline engine backed by the given store.
func NewEngine(st *store.Store, log *logger.Logger) *Engine {
	return &Engine{
		store:  st,
		logger: log.WithFields(zap.String("component", "timeline")),
		agents: make(map[string]*agentLog),
	}
}

// Open loads an agent's segments from disk and begins a fresh epoch.
// Epochs advance on every open, so cursors from before a daemon restart are
// always stale. A corrupt segment quarantines the agent: the log refuses
// further writes and surfaces CorruptTimeline to readers.
func (e *Engine) Open(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.agents[agentID]; ok {
		return nil
	}

	al := &agentLog{
		agentID:     agentID,
		prunedBelow: 1,
		subscribers: make(map[*Subscription]struct{}),
	}

	segments, err := e.store.LoadSegments(agentID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeCorruptTimeline {
			al.corrupt = true
			al.corruptErr = err
			e.agents[agentID] = al
			e.logger.Error("timeline quarantined", zap.String("agent_id", agentID), zap.Error(err))
			return err
		}
		return err
	}

	var latest uint64
	for _, seg := range segments {
		if seg.Epoch > latest {
			latest = seg.Epoch
		}
	}
	al.history = segments
	al.epoch = latest + 1
	e.agents[agentID] = al
	return nil
}

// Reopen clears the closed flag after an archived agent resumes, folding the
// old epoch into history and starting a fresh one. Unknown agents are loaded
// from disk.
func (e *Engine) Reopen(agentID string) error {
	e.mu.RLock()
	al, ok := e.agents[agentID]
	e.mu.RUnlock()
	if !ok {
		return e.Open(agentID)
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	if al.corrupt {
		return al.corruptErr
	}
	if !al.closed {
		return nil
	}
	al.closed = false
	if len(al.entries) > 0 {
		al.history = append(al.history, store.Segment{Epoch: al.epoch, Entries: al.entries})
		al.entries = nil
	}
	al.epoch++
	al.prunedBelow = 1
	return nil
}

// Remove drops an agent's log from the engine after archive or delete.
func (e *Engine) Remove(agentID string) {
	e.mu.Lock()
	al, ok := e.agents[agentID]
	if ok {
		delete(e.agents, agentID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	al.closed = true
	for sub := range al.subscribers {
		sub.drop()
	}
	al.subscribers = make(map[*Subscription]struct{})
}

func (e *Engine) get(agentID string) (*agentLog, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	al, ok := e.agents[agentID]
	if !ok {
		return nil, errs.AgentNotFound(agentID)
	}
	return al, nil
}

// Append assigns the next (epoch, seq) cursor to the item, durably writes it,
// and fans it out to subscribers. Single-writer per agent: callers must be
// the agent's owning run loop.
func (e *Engine) Append(agentID string, item protocol.Item) (protocol.Cursor, error) {
	if err := item.Validate(); err != nil {
		return protocol.Cursor{}, errs.Wrap(errs.CodeBadRequest, "invalid timeline item", err)
	}

	al, err := e.get(agentID)
	if err != nil {
		return protocol.Cursor{}, err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.corrupt {
		return protocol.Cursor{}, al.corruptErr
	}
	if al.closed {
		return protocol.Cursor{}, errs.Newf(errs.CodeAgentArchived, "timeline for agent %q is closed", agentID)
	}

	entry := protocol.Entry{
		Epoch:     al.epoch,
		Seq:       uint64(len(al.entries)) + al.prunedBelow,
		Timestamp: time.Now().UTC(),
		Item:      item,
	}

	// Durability before visibility: the entry must be on disk before any
	// subscriber or snapshot can observe it.
	if err := e.store.AppendEntry(agentID, &entry); err != nil {
		return protocol.Cursor{}, err
	}

	al.entries = append(al.entries, entry)

	for sub := range al.subscribers {
		if !sub.push(StreamEvent{Entry: &entry}) {
			// Subscriber fell behind; drop it. The bridge resubscribes from
			// its last delivered cursor and replays or resets.
			sub.drop()
			delete(al.subscribers, sub)
		}
	}

	return entry.Cursor(), nil
}

// Rotate begins a new epoch mid-run (provider re-initialization). Subscribers
// receive a reset sentinel carrying the new epoch's (empty) tail.
func (e *Engine) Rotate(agentID string) error {
	al, err := e.get(agentID)
	if err != nil {
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.corrupt {
		return al.corruptErr
	}
	if al.closed {
		return errs.Newf(errs.CodeAgentArchived, "timeline for agent %q is closed", agentID)
	}

	if len(al.entries) > 0 {
		al.history = append(al.history, store.Segment{Epoch: al.epoch, Entries: al.entries})
	}
	al.epoch++
	al.entries = nil
	al.prunedBelow = 1

	reset := &protocol.ResetSentinel{Epoch: al.epoch, Entries: []protocol.Entry{}}
	for sub := range al.subscribers {
		if !sub.push(StreamEvent{Reset: reset}) {
			sub.drop()
			delete(al.subscribers, sub)
		}
	}

	e.logger.Info("timeline rotated",
		zap.String("agent_id", agentID),
		zap.Uint64("epoch", al.epoch))
	return nil
}

// Prune drops the in-memory head of the current epoch, keeping the most
// recent keep entries. Disk segments are untouched; fetches that reach below
// the retained head report a gap.
func (e *Engine) Prune(agentID string, keep int) error {
	al, err := e.get(agentID)
	if err != nil {
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if keep < 0 || keep >= len(al.entries) {
		return nil
	}
	drop := len(al.entries) - keep
	al.prunedBelow = al.entries[drop].Seq
	al.entries = append([]protocol.Entry(nil), al.entries[drop:]...)
	return nil
}

// Close marks an agent's log closed. Subsequent appends fail; reads remain
// available until Remove.
func (e *Engine) Close(agentID string) error {
	al, err := e.get(agentID)
	if err != nil {
		return err
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.closed = true
	return nil
}

// Epoch returns the agent's current epoch.
func (e *Engine) Epoch(agentID string) (uint64, error) {
	al, err := e.get(agentID)
	if err != nil {
		return 0, err
	}
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.epoch, nil
}

// canonical returns all entries in order: history epochs then the current
// epoch. Caller must hold al.mu.
func (al *agentLog) canonical() []protocol.Entry {
	var out []protocol.Entry
	for _, seg := range al.history {
		out = append(out, seg.Entries...)
	}
	out = append(out, al.entries...)
	return out
}

// tail returns up to limit most recent canonical entries. Caller must hold al.mu.
func (al *agentLog) tail(limit int) []protocol.Entry {
	all := al.canonical()
	if limit <= 0 || limit >= len(all) {
		return all
	}
	return all[len(all)-limit:]
}
