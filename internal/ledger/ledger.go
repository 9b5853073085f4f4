// Package ledger defines the tamper-evident event record shape and the
// canonicalization used to compute each event's hash-chain link: a
// content-only struct is hashed separately from the full record, so an
// entry's own hash never appears in the bytes that produce it.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fisml/agent/internal/fismlerr"
)

// EventKind classifies an observation recorded against a path. Its wire
// representation is always one of the four literal values below; kinds are
// never formatted through a generic debug/reflection path, since that would
// make the canonical JSON depend on how a formatter happens to render a Go
// type rather than on a stable string.
type EventKind string

const (
	KindBaseline EventKind = "Baseline"
	KindNew      EventKind = "New"
	KindModified EventKind = "Modified"
	KindDeleted  EventKind = "Deleted"
)

// EventDraft holds the fields of an event before it has been assigned an id,
// chained to a predecessor, or hashed. Baseline/Watcher/store code builds a
// draft and passes it to Store.AppendEvent, which fills in PrevEventHash,
// EventHash, and ID.
type EventDraft struct {
	Timestamp   time.Time
	Path        string
	Kind        EventKind
	OldHash     *string
	NewHash     *string
	SecretCount int
}

// EventRecord is a fully persisted ledger entry, as read back from the
// store or produced by AppendEvent.
type EventRecord struct {
	ID            int64
	Timestamp     time.Time
	Path          string
	Kind          EventKind
	OldHash       *string
	NewHash       *string
	SecretCount   int
	PrevEventHash *string
	EventHash     string
	Signature     []byte
}

// canonicalView is the exact field subset and order hashed to produce an
// event's event_hash. It deliberately excludes id, event_hash, and
// signature: a record must be reproducible purely from its observable
// content and its link to the predecessor.
type canonicalView struct {
	Timestamp     time.Time `json:"ts"`
	Path          string    `json:"path"`
	Kind          EventKind `json:"kind"`
	OldHash       *string   `json:"old_hash"`
	NewHash       *string   `json:"new_hash"`
	SecretCount   int       `json:"secret_count"`
	PrevEventHash *string   `json:"prev_event_hash"`
}

// CanonicalJSON returns the canonical byte encoding of draft chained after
// prevEventHash. The same bytes are produced for the same logical content
// regardless of caller, which is the property ComputeEventHash depends on.
func CanonicalJSON(draft EventDraft, prevEventHash *string) ([]byte, error) {
	v := canonicalView{
		Timestamp:     draft.Timestamp.UTC(),
		Path:          draft.Path,
		Kind:          draft.Kind,
		OldHash:       draft.OldHash,
		NewHash:       draft.NewHash,
		SecretCount:   draft.SecretCount,
		PrevEventHash: prevEventHash,
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Serialization, "ledger: marshal canonical view", err)
	}
	return raw, nil
}

// ComputeEventHash returns the hex-encoded SHA-256 digest of draft's
// canonical JSON, chained after prevEventHash.
func ComputeEventHash(draft EventDraft, prevEventHash *string) (string, error) {
	raw, err := CanonicalJSON(draft, prevEventHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// SignaturePayload returns the bytes a Key Manager signs for rec: the raw
// bytes of the event_hash hex digest.
func SignaturePayload(eventHash string) []byte {
	return []byte(eventHash)
}

// Validate reports whether kind is one of the four recognised values.
func (k EventKind) Validate() error {
	switch k {
	case KindBaseline, KindNew, KindModified, KindDeleted:
		return nil
	default:
		return fismlerr.Wrap(fismlerr.Serialization, fmt.Sprintf("ledger: unrecognised event kind %q", string(k)), nil)
	}
}
