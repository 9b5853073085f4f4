package hashing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fisml/agent/internal/hashing"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestSHA256Hasher_HashBytesMatchesHashFile(t *testing.T) {
	h := hashing.NewSHA256Hasher()
	content := "hello fisml"
	path := writeFile(t, content)

	byHash := h.HashBytes([]byte(content))
	fileHash, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if byHash != fileHash {
		t.Errorf("HashBytes = %q, HashFile = %q, want equal", byHash, fileHash)
	}
}

func TestXXHasher_HashBytesMatchesHashFile(t *testing.T) {
	h := hashing.NewXXHasher()
	content := "hello fisml"
	path := writeFile(t, content)

	byHash := h.HashBytes([]byte(content))
	fileHash, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if byHash != fileHash {
		t.Errorf("HashBytes = %q, HashFile = %q, want equal", byHash, fileHash)
	}
}

func TestHashers_DifferentContentDifferentHash(t *testing.T) {
	h := hashing.NewSHA256Hasher()
	if h.HashBytes([]byte("a")) == h.HashBytes([]byte("b")) {
		t.Error("expected different hashes for different content")
	}
}

func TestHashFile_MissingFile(t *testing.T) {
	h := hashing.NewSHA256Hasher()
	_, err := h.HashFile(filepath.Join(t.TempDir(), "nope.txt"))
	if err == nil {
		t.Fatal("expected error hashing a missing file, got nil")
	}
}

func TestForName(t *testing.T) {
	if hashing.ForName("xxhash").Name() != "xxhash" {
		t.Error(`ForName("xxhash") did not return the xxhash Hasher`)
	}
	if hashing.ForName("sha256").Name() != "sha256" {
		t.Error(`ForName("sha256") did not return the sha256 Hasher`)
	}
	if hashing.ForName("").Name() != "sha256" {
		t.Error(`ForName("") should default to sha256`)
	}
}
