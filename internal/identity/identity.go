// Package identity derives the peer-identity fingerprint ("Common") used
// as the node's space-registry key, from an ed25519 signing key used to
// authenticate the secure-session handshake in internal/securesess.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ed25519"
)

// CommonSize is the length in bytes of a Common fingerprint: a raw
// ed25519 public key is already 32 bytes, so it doubles as the
// fingerprint with no extra hashing step.
const CommonSize = ed25519.PublicKeySize

// Common is a peer-identity fingerprint used to key the node's space
// registry.
type Common [CommonSize]byte

// String returns the base64 encoding of the fingerprint, for logging.
func (c Common) String() string {
	return base64.StdEncoding.EncodeToString(c[:])
}

// KeyPair is this process's ed25519 identity used to sign the
// secure-session handshake nonce.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Common returns the fingerprint derived from the key pair's public key.
func (k KeyPair) Common() Common {
	var c Common
	copy(c[:], k.Public)
	return c
}

// GenerateKeyPair creates a new random ed25519 identity.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating identity key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// CommonFromPublicKey derives a Common from a raw 32-byte ed25519 public
// key, validating its length.
func CommonFromPublicKey(pub []byte) (Common, error) {
	var c Common
	if len(pub) != CommonSize {
		return c, fmt.Errorf("identity: invalid public key length: got %d, want %d", len(pub), CommonSize)
	}
	copy(c[:], pub)
	return c, nil
}
