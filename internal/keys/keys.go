// Package keys manages the Ed25519 signing key used to sign ledger events:
// a 32-byte seed file is loaded if present, otherwise a fresh key pair is
// generated and its seed is persisted. The on-disk format is the bare
// 32-byte seed, no framing, so it interoperates with any other Ed25519
// implementation that accepts a raw seed.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/fisml/agent/internal/fismlerr"
)

// KeyManager holds an Ed25519 key pair used to sign and verify event
// hashes.
type KeyManager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// LoadOrGenerate reads a 32-byte Ed25519 seed from path. If the file does
// not exist, a new key pair is generated and its 32-byte seed is written to
// path with mode 0o600. It is an error for an existing file to contain
// anything other than exactly ed25519.SeedSize bytes.
func LoadOrGenerate(path string) (*KeyManager, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != ed25519.SeedSize {
			return nil, fismlerr.Wrap(fismlerr.Crypto,
				fmt.Sprintf("keys: invalid key length in %q: got %d bytes, want %d", path, len(data), ed25519.SeedSize), nil)
		}
		priv := ed25519.NewKeyFromSeed(data)
		return &KeyManager{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil

	case os.IsNotExist(err):
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fismlerr.Wrap(fismlerr.Crypto, "keys: generate key pair", genErr)
		}
		if writeErr := os.WriteFile(path, priv.Seed(), 0o600); writeErr != nil {
			return nil, fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("keys: write %q", path), writeErr)
		}
		return &KeyManager{priv: priv, pub: pub}, nil

	default:
		return nil, fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("keys: read %q", path), err)
	}
}

// PublicKey returns the manager's Ed25519 public key.
func (km *KeyManager) PublicKey() ed25519.PublicKey {
	return km.pub
}

// Sign returns the Ed25519 signature over message.
func (km *KeyManager) Sign(message []byte) []byte {
	return ed25519.Sign(km.priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature over message under
// pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

// SignHash signs the UTF-8 bytes of an event_hash hex digest.
func (km *KeyManager) SignHash(eventHash string) []byte {
	return km.Sign([]byte(eventHash))
}

// VerifyHash verifies a signature produced by SignHash.
func VerifyHash(pub ed25519.PublicKey, eventHash string, sig []byte) bool {
	return Verify(pub, []byte(eventHash), sig)
}
