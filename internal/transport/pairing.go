package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/internal/store"
)

// Pairings tracks trusted client keys. Trust is on first use: a new
// clientId is recorded with the key it presents; a known clientId must
// present the same key or the channel is refused.
type Pairings struct {
	store  *store.Store
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]store.PairedClient
}

// LoadPairings reads the persisted pairing records.
func LoadPairings(st *store.Store, log *logger.Logger) (*Pairings, error) {
	records, err := st.LoadPairings()
	if err != nil {
		return nil, err
	}

	clients := make(map[string]store.PairedClient, len(records))
	for _, rec := range records {
		clients[rec.ClientID] = rec
	}
	return &Pairings{
		store:   st,
		logger:  log.WithFields(zap.String("component", "pairing")),
		clients: clients,
	}, nil
}

// Verify checks a client's presented key, consuming the pairing on first
// contact.
func (p *Pairings) Verify(clientID, publicKeyB64, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	known, ok := p.clients[clientID]
	if ok && known.PublicKeyB64 != publicKeyB64 {
		return errs.Newf(errs.CodeBadRequest, "client %q presented a different key", clientID)
	}

	p.clients[clientID] = store.PairedClient{
		ClientID:     clientID,
		PublicKeyB64: publicKeyB64,
		Label:        label,
		LastSeen:     time.Now().UTC(),
	}
	if err := p.persistLocked(); err != nil {
		p.logger.Warn("pairing persist failed", zap.Error(err))
	}
	if !ok {
		p.logger.Info("client paired", zap.String("client_id", clientID))
	}
	return nil
}

// Forget removes a pairing.
func (p *Pairings) Forget(clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, clientID)
	return p.persistLocked()
}

// List returns every pairing record.
func (p *Pairings) List() []store.PairedClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]store.PairedClient, 0, len(p.clients))
	for _, rec := range p.clients {
		out = append(out, rec)
	}
	return out
}

func (p *Pairings) persistLocked() error {
	records := make([]store.PairedClient, 0, len(p.clients))
	for _, rec := range p.clients {
		records = append(records, rec)
	}
	return p.store.SavePairings(records)
}
