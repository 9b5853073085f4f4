// Package verify implements chain and signature verification over a
// sequence of ledger events: a sequential prev-hash/recompute walk over the
// SQL-backed EventRecord shape.
package verify

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fisml/agent/internal/ledger"
)

// ChainError describes a single point of failure found while verifying the
// event chain.
type ChainError struct {
	EventID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("event %d: %s", e.EventID, e.Reason)
}

// VerifyChain checks that events form an unbroken, correctly hashed chain:
// events must be in ascending id order, each event's prev_event_hash must
// equal its predecessor's event_hash (nil for the first event), and each
// event's event_hash must match what ComputeEventHash produces from its own
// content. It returns the first violation found, or nil if the whole chain
// is intact. An empty slice is trivially valid.
func VerifyChain(events []ledger.EventRecord) error {
	var prevHash *string

	for _, ev := range events {
		if !hashPtrEqual(ev.PrevEventHash, prevHash) {
			return &ChainError{EventID: ev.ID, Reason: "prev_event_hash does not match predecessor's event_hash"}
		}

		draft := ledger.EventDraft{
			Timestamp:   ev.Timestamp,
			Path:        ev.Path,
			Kind:        ev.Kind,
			OldHash:     ev.OldHash,
			NewHash:     ev.NewHash,
			SecretCount: ev.SecretCount,
		}
		computed, err := ledger.ComputeEventHash(draft, prevHash)
		if err != nil {
			return &ChainError{EventID: ev.ID, Reason: fmt.Sprintf("recompute event_hash: %v", err)}
		}
		if computed != ev.EventHash {
			return &ChainError{EventID: ev.ID, Reason: "event_hash does not match recomputed content hash"}
		}

		hash := ev.EventHash
		prevHash = &hash
	}

	return nil
}

// VerifySignatures checks every event's Ed25519 signature under pub,
// returning the ids of events whose signature is missing or invalid. Events
// with an empty signature are reported, since the caller is expected to
// have already confirmed signing was enabled for the whole chain.
func VerifySignatures(events []ledger.EventRecord, pub ed25519.PublicKey) []int64 {
	var failing []int64
	for _, ev := range events {
		if len(ev.Signature) == 0 || !ed25519.Verify(pub, ledger.SignaturePayload(ev.EventHash), ev.Signature) {
			failing = append(failing, ev.ID)
		}
	}
	return failing
}

func hashPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
