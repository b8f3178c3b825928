// Package store implements the daemon's durable state under PASEO_HOME:
// per-agent records, timeline log segments, provider resume handles, pairing
// trust, and the daemon keypair. All JSON documents are written with an
// atomic rename; timeline segments are append-only and fsynced per append.
package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

const (
	agentsDir       = "agents"
	timelineDir     = "timeline"
	recordFile      = "record.json"
	handleFile      = "persistence.json"
	pairingsFile    = "pairings.json"
	daemonKeyFile   = "daemon-key"
	cliClientIDFile = "cli-client-id"
)

// AgentRecord is the durable form of an agent.
type AgentRecord struct {
	ID             string                `json:"id"`
	Provider       string                `json:"provider"`
	Cwd            string                `json:"cwd"`
	Title          string                `json:"title,omitempty"`
	ModeID         string                `json:"modeId"`
	Model          string                `json:"model,omitempty"`
	State          string                `json:"state"`
	Capabilities   protocol.Capabilities `json:"capabilities"`
	AvailableModes []protocol.Mode       `json:"availableModes"`
	Labels         map[string]string     `json:"labels,omitempty"`
	Extra          json.RawMessage       `json:"extra,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	LastActivityAt time.Time             `json:"lastActivityAt"`
	ArchivedAt     *time.Time            `json:"archivedAt,omitempty"`
}

// Handle is an opaque provider resume descriptor.
type Handle struct {
	Provider  string          `json:"provider"`
	SessionID string          `json:"sessionId"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// PairedClient is one trusted client public key.
type PairedClient struct {
	ClientID     string    `json:"clientId"`
	PublicKeyB64 string    `json:"publicKeyB64"`
	Label        string    `json:"label,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Store owns the PASEO_HOME directory tree.
type Store struct {
	root   string
	logger *logger.Logger

	mu      sync.Mutex
	writers map[string]*segmentWriter // agentID -> open segment writer
}

// Open creates or opens the store root. A root that exists but cannot be
// read fails closed.
func Open(root string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, agentsDir), 0700); err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot create store root", err)
	}
	return &Store{
		root:    root,
		logger:  log,
		writers: make(map[string]*segmentWriter),
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.root, agentsDir, agentID)
}

// writeJSONAtomic marshals v and renames it into place.
func writeJSONAtomic(path string, v any, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SaveRecord durably writes an agent record.
func (s *Store) SaveRecord(rec *AgentRecord) error {
	dir := s.agentDir(rec.ID)
	if err := os.MkdirAll(filepath.Join(dir, timelineDir), 0700); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "cannot create agent dir", err)
	}
	if err := writeJSONAtomic(filepath.Join(dir, recordFile), rec, 0600); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "cannot write agent record", err)
	}
	return nil
}

// LoadRecords reads every agent record under the store root. Unreadable
// records fail the load; the caller decides whether to quarantine.
func (s *Store) LoadRecords() ([]*AgentRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, agentsDir))
	if err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot list agents", err)
	}

	var records []*AgentRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.agentDir(e.Name()), recordFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot read agent record", err)
		}
		var rec AgentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errs.Wrap(errs.CodePersistenceUnavailable,
				fmt.Sprintf("corrupt agent record %s", path), err)
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// DeleteAgent removes an agent's directory tree.
func (s *Store) DeleteAgent(agentID string) error {
	s.closeWriter(agentID)
	if err := os.RemoveAll(s.agentDir(agentID)); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "cannot delete agent dir", err)
	}
	return nil
}

// SaveHandle atomically writes the latest provider resume handle.
func (s *Store) SaveHandle(agentID string, h *Handle) error {
	if err := writeJSONAtomic(filepath.Join(s.agentDir(agentID), handleFile), h, 0600); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "cannot write persistence handle", err)
	}
	return nil
}

// LoadHandle reads the provider resume handle, or nil when none exists.
func (s *Store) LoadHandle(agentID string) (*Handle, error) {
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), handleFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot read persistence handle", err)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "corrupt persistence handle", err)
	}
	return &h, nil
}

// SavePairings atomically writes the paired client set.
func (s *Store) SavePairings(pairings []PairedClient) error {
	if err := writeJSONAtomic(filepath.Join(s.root, pairingsFile), pairings, 0600); err != nil {
		return errs.Wrap(errs.CodePersistenceUnavailable, "cannot write pairings", err)
	}
	return nil
}

// LoadPairings reads the paired client set, empty when none exists.
func (s *Store) LoadPairings() ([]PairedClient, error) {
	data, err := os.ReadFile(filepath.Join(s.root, pairingsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot read pairings", err)
	}
	var pairings []PairedClient
	if err := json.Unmarshal(data, &pairings); err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "corrupt pairings file", err)
	}
	return pairings, nil
}

// LoadOrCreateDaemonKey returns the daemon's long-lived 32-byte private key,
// generating one on first boot. The key file is mode 0600.
func (s *Store) LoadOrCreateDaemonKey() ([]byte, error) {
	path := filepath.Join(s.root, daemonKeyFile)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return nil, errs.New(errs.CodePersistenceUnavailable, "daemon key has wrong length")
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot read daemon key", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot generate daemon key", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, errs.Wrap(errs.CodePersistenceUnavailable, "cannot write daemon key", err)
	}
	s.logger.Info("generated daemon keypair")
	return key, nil
}

// LoadOrCreateCLIClientID returns the stable CLI client identifier.
func (s *Store) LoadOrCreateCLIClientID(generate func() string) (string, error) {
	path := filepath.Join(s.root, cliClientIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", errs.Wrap(errs.CodePersistenceUnavailable, "cannot read cli client id", err)
	}
	id := generate()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", errs.Wrap(errs.CodePersistenceUnavailable, "cannot write cli client id", err)
	}
	return id, nil
}

// Close flushes and closes all open segment writers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.writers {
		_ = w.close()
		delete(s.writers, id)
	}
	return nil
}

func (s *Store) closeWriter(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[agentID]; ok {
		_ = w.close()
		delete(s.writers, agentID)
	}
}

func parseEpochFilename(name string) (uint64, bool) {
	if filepath.Ext(name) != ".log" {
		return 0, false
	}
	epoch, err := strconv.ParseUint(name[:len(name)-4], 10, 64)
	if err != nil {
		return 0, false
	}
	return epoch, true
}
