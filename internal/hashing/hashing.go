// Package hashing provides the content-addressing primitives used to
// fingerprint file contents. The default Hasher is cryptographic (SHA-256);
// an optional non-cryptographic xxhash Hasher is available for callers that
// prioritise throughput over collision resistance when fingerprinting file
// content for change detection. The ledger's own event_hash is always
// computed with SHA-256 regardless of which Hasher is configured, so the
// chain's tamper-evidence never depends on the operator-selectable digest.
package hashing

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/fisml/agent/internal/fismlerr"
)

// chunkSize is the read buffer size used when streaming file contents into
// a Hasher.
const chunkSize = 32 * 1024

// Hasher computes content-addressing digests for byte slices and files.
type Hasher interface {
	// Name identifies the digest algorithm, e.g. "sha256" or "xxhash".
	Name() string
	// HashBytes returns the hex-encoded digest of data.
	HashBytes(data []byte) string
	// HashFile returns the hex-encoded digest of the file at path, streaming
	// its contents rather than loading the whole file into memory.
	HashFile(path string) (string, error)
}

// SHA256Hasher computes SHA-256 digests via the standard library.
type SHA256Hasher struct{}

// NewSHA256Hasher returns the default, cryptographic Hasher.
func NewSHA256Hasher() SHA256Hasher { return SHA256Hasher{} }

func (SHA256Hasher) Name() string { return "sha256" }

func (SHA256Hasher) HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("hashing: open %q", path), err)
	}
	defer f.Close()

	h := sha256.New()
	r := bufio.NewReaderSize(f, chunkSize)
	if _, err := r.WriteTo(h); err != nil {
		return "", fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("hashing: read %q", path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// XXHasher computes xxhash64 digests. It is a faster, non-cryptographic
// alternative suitable only for change detection, never for the event
// chain's integrity guarantee.
type XXHasher struct{}

// NewXXHasher returns the optional fast, non-cryptographic Hasher.
func NewXXHasher() XXHasher { return XXHasher{} }

func (XXHasher) Name() string { return "xxhash" }

func (XXHasher) HashBytes(data []byte) string {
	return hex.EncodeToString(sumToBytes(xxhash.Sum64(data)))
}

func (XXHasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("hashing: open %q", path), err)
	}
	defer f.Close()

	h := xxhash.New()
	r := bufio.NewReaderSize(f, chunkSize)
	if _, err := r.WriteTo(h); err != nil {
		return "", fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("hashing: read %q", path), err)
	}
	return hex.EncodeToString(sumToBytes(h.Sum64())), nil
}

func sumToBytes(sum uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(sum)
		sum >>= 8
	}
	return b
}

// ForName returns the Hasher identified by name ("sha256" or "xxhash"),
// defaulting to SHA256Hasher for an empty or unrecognised name.
func ForName(name string) Hasher {
	if name == "xxhash" {
		return NewXXHasher()
	}
	return NewSHA256Hasher()
}
