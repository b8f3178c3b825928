// Package transport exposes the daemon to clients: a direct WebSocket
// listener for the local network and an outbound relay tunnel with
// end-to-end encryption for clients that cannot reach the daemon directly.
package transport

import (
	"encoding/base64"
	"encoding/json"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/store"
)

// offerVersion is the pairing offer schema version.
const offerVersion = 2

// Identity is the daemon's long-lived X25519 keypair. The serverId is
// derived from the public key, so it survives restarts and cannot be
// claimed by another daemon.
type Identity struct {
	privateKey []byte
	PublicKey  []byte
	ServerID   string
}

// LoadIdentity loads or creates the daemon key and derives the identity.
func LoadIdentity(st *store.Store) (*Identity, error) {
	priv, err := st.LoadOrCreateDaemonKey()
	if err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "cannot derive daemon public key", err)
	}
	return &Identity{
		privateKey: priv,
		PublicKey:  pub,
		ServerID:   serverIDFromKey(pub),
	}, nil
}

// serverIDFromKey hashes the public key into a short stable identifier.
func serverIDFromKey(pub []byte) string {
	sum := blake2s.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}

// offerPayload is the JSON document embedded in the pairing offer URL.
type offerPayload struct {
	V                  int    `json:"v"`
	ServerID           string `json:"serverId"`
	DaemonPublicKeyB64 string `json:"daemonPublicKeyB64"`
}

// OfferURL renders the pairing offer: the app base URL with the offer
// document in the fragment, so it never reaches the app server.
func (id *Identity) OfferURL(appBaseURL string) string {
	doc, _ := json.Marshal(offerPayload{
		V:                  offerVersion,
		ServerID:           id.ServerID,
		DaemonPublicKeyB64: base64.StdEncoding.EncodeToString(id.PublicKey),
	})
	return appBaseURL + "#offer=" + base64.RawURLEncoding.EncodeToString(doc)
}
