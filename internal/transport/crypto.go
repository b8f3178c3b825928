package transport

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/paseo-dev/paseo/internal/common/errs"
)

// Key derivation context strings. Directions are from the daemon's point of
// view, so the daemon's send key is the client's receive key.
const (
	keyContextSend = "paseo-e2ee-s2c"
	keyContextRecv = "paseo-e2ee-c2s"
)

// sessionCrypto seals and opens relay channel frames with keys derived from
// an X25519 agreement between the client's ephemeral key and the daemon's
// static key.
type sessionCrypto struct {
	send *xchachaSealer
	recv *xchachaSealer
}

// newSessionCrypto runs the daemon side of the handshake.
func newSessionCrypto(daemonPriv, clientEphemeralPub []byte) (*sessionCrypto, error) {
	shared, err := curve25519.X25519(daemonPriv, clientEphemeralPub)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "invalid client ephemeral key", err)
	}

	sendKey := deriveKey(shared, keyContextSend)
	recvKey := deriveKey(shared, keyContextRecv)

	send, err := newXChaChaSealer(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := newXChaChaSealer(recvKey)
	if err != nil {
		return nil, err
	}
	return &sessionCrypto{send: send, recv: recv}, nil
}

// deriveKey binds the shared secret to a direction label.
func deriveKey(shared []byte, context string) []byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(context))
	h.Write(shared)
	return h.Sum(nil)
}

// Seal encrypts an outbound frame: random 24-byte nonce followed by the
// ciphertext.
func (c *sessionCrypto) Seal(plaintext []byte) ([]byte, error) {
	return c.send.seal(plaintext)
}

// Open decrypts an inbound frame.
func (c *sessionCrypto) Open(sealed []byte) ([]byte, error) {
	return c.recv.open(sealed)
}

type xchachaSealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newXChaChaSealer(key []byte) (*xchachaSealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "cannot build aead", err)
	}
	return &xchachaSealer{aead: aead}, nil
}

func (x *xchachaSealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, x.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "cannot generate nonce", err)
	}
	return x.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (x *xchachaSealer) open(sealed []byte) ([]byte, error) {
	ns := x.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errs.New(errs.CodeBadRequest, "sealed frame too short")
	}
	plaintext, err := x.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "frame authentication failed", err)
	}
	return plaintext, nil
}

// clientSessionCrypto runs the client side of the handshake. Exported for
// clients and exercised by tests; directions are mirrored.
func clientSessionCrypto(clientEphemeralPriv, daemonPub []byte) (*sessionCrypto, error) {
	shared, err := curve25519.X25519(clientEphemeralPriv, daemonPub)
	if err != nil {
		return nil, errs.Wrap(errs.CodeBadRequest, "invalid daemon public key", err)
	}

	send, err := newXChaChaSealer(deriveKey(shared, keyContextRecv))
	if err != nil {
		return nil, err
	}
	recv, err := newXChaChaSealer(deriveKey(shared, keyContextSend))
	if err != nil {
		return nil, err
	}
	return &sessionCrypto{send: send, recv: recv}, nil
}

// generateEphemeralKey creates an X25519 keypair for one relay channel.
func generateEphemeralKey() (priv, pub []byte, err error) {
	priv = make([]byte, 32)
	if _, err = io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, errs.Wrap(errs.CodeInternal, "cannot generate key", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, errs.Wrap(errs.CodeInternal, "cannot derive public key", err)
	}
	return priv, pub, nil
}
