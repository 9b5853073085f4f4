package verify_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/fisml/agent/internal/ledger"
	"github.com/fisml/agent/internal/verify"
)

func chainOf(t *testing.T, drafts []ledger.EventDraft) []ledger.EventRecord {
	t.Helper()
	var events []ledger.EventRecord
	var prevHash *string
	for i, d := range drafts {
		hash, err := ledger.ComputeEventHash(d, prevHash)
		if err != nil {
			t.Fatalf("ComputeEventHash #%d: %v", i, err)
		}
		events = append(events, ledger.EventRecord{
			ID:            int64(i + 1),
			Timestamp:     d.Timestamp,
			Path:          d.Path,
			Kind:          d.Kind,
			OldHash:       d.OldHash,
			NewHash:       d.NewHash,
			SecretCount:   d.SecretCount,
			PrevEventHash: prevHash,
			EventHash:     hash,
		})
		h := hash
		prevHash = &h
	}
	return events
}

func sampleDrafts() []ledger.EventDraft {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	hash1, hash2 := "hash1", "hash2"
	return []ledger.EventDraft{
		{Timestamp: ts, Path: "/etc/passwd", Kind: ledger.KindNew, NewHash: &hash1},
		{Timestamp: ts.Add(time.Minute), Path: "/etc/passwd", Kind: ledger.KindModified, OldHash: &hash1, NewHash: &hash2},
		{Timestamp: ts.Add(2 * time.Minute), Path: "/etc/passwd", Kind: ledger.KindDeleted, OldHash: &hash2},
	}
}

func TestVerifyChain_ValidChain(t *testing.T) {
	events := chainOf(t, sampleDrafts())
	if err := verify.VerifyChain(events); err != nil {
		t.Errorf("expected a valid chain, got error: %v", err)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	if err := verify.VerifyChain(nil); err != nil {
		t.Errorf("expected an empty chain to be valid, got: %v", err)
	}
}

func TestVerifyChain_DetectsBrokenPrevHash(t *testing.T) {
	events := chainOf(t, sampleDrafts())
	bogus := "tampered"
	events[1].PrevEventHash = &bogus

	err := verify.VerifyChain(events)
	if err == nil {
		t.Fatal("expected an error for a broken prev_event_hash link, got nil")
	}
	chainErr, ok := err.(*verify.ChainError)
	if !ok {
		t.Fatalf("expected a *verify.ChainError, got %T", err)
	}
	if chainErr.EventID != 2 {
		t.Errorf("ChainError.EventID = %d, want 2", chainErr.EventID)
	}
}

func TestVerifyChain_DetectsTamperedContent(t *testing.T) {
	events := chainOf(t, sampleDrafts())
	events[0].Path = "/etc/shadow" // content changed, event_hash now stale

	err := verify.VerifyChain(events)
	if err == nil {
		t.Fatal("expected an error for tampered event content, got nil")
	}
}

func TestVerifySignatures_AllValid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	events := chainOf(t, sampleDrafts())
	for i := range events {
		events[i].Signature = ed25519.Sign(priv, ledger.SignaturePayload(events[i].EventHash))
	}

	failing := verify.VerifySignatures(events, pub)
	if len(failing) != 0 {
		t.Errorf("expected no failing signatures, got %v", failing)
	}
}

func TestVerifySignatures_DetectsMissingAndInvalid(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	events := chainOf(t, sampleDrafts())
	events[0].Signature = ed25519.Sign(priv, ledger.SignaturePayload(events[0].EventHash))
	// events[1] left unsigned.
	events[2].Signature = ed25519.Sign(priv, []byte("wrong payload"))

	failing := verify.VerifySignatures(events, pub)
	if len(failing) != 2 {
		t.Fatalf("expected 2 failing signatures, got %v", failing)
	}
	want := map[int64]bool{events[1].ID: true, events[2].ID: true}
	for _, id := range failing {
		if !want[id] {
			t.Errorf("unexpected failing event id %d", id)
		}
	}
}
