package keys_test

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/fisml/agent/internal/keys"
)

func TestLoadOrGenerate_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	km, err := keys.LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected key file to be written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file perms = %o, want %o", perm, 0o600)
	}

	sig := km.SignHash("deadbeef")
	if !keys.VerifyHash(km.PublicKey(), "deadbeef", sig) {
		t.Error("freshly generated key failed to verify its own signature")
	}
}

func TestLoadOrGenerate_WritesBareThirtyTwoByteSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if _, err := keys.LoadOrGenerate(path); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key file: %v", err)
	}
	if len(data) != ed25519.SeedSize {
		t.Errorf("key file length = %d, want %d (a bare seed, not the full private key)", len(data), ed25519.SeedSize)
	}
}

func TestLoadOrGenerate_LoadsExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	km1, err := keys.LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("first LoadOrGenerate: %v", err)
	}

	km2, err := keys.LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}

	if string(km1.PublicKey()) != string(km2.PublicKey()) {
		t.Error("expected the same public key to be loaded on the second call")
	}
}

func TestLoadOrGenerate_RejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, []byte("too short"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := keys.LoadOrGenerate(path)
	if err == nil {
		t.Fatal("expected error loading a key file of the wrong length, got nil")
	}
}

func TestVerifyHash_RejectsTamperedHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	km, err := keys.LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	sig := km.SignHash("deadbeef")
	if keys.VerifyHash(km.PublicKey(), "not-the-same-hash", sig) {
		t.Error("expected verification to fail against a different hash")
	}
}

func TestVerifyHash_RejectsWrongKey(t *testing.T) {
	km1, err := keys.LoadOrGenerate(filepath.Join(t.TempDir(), "a.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate km1: %v", err)
	}
	km2, err := keys.LoadOrGenerate(filepath.Join(t.TempDir(), "b.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerate km2: %v", err)
	}

	sig := km1.SignHash("deadbeef")
	if keys.VerifyHash(km2.PublicKey(), "deadbeef", sig) {
		t.Error("expected verification to fail under a different public key")
	}
}
