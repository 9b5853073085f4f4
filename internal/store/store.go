// Package store provides the embedded SQL backing store for FISML's file
// records and event ledger: a single modernc.org/sqlite connection in WAL
// journal mode with synchronous=NORMAL, with AppendEvent wrapping the
// read-last-hash/compute/insert sequence in a single transaction guarded by
// a mutex so concurrent writers from the baseline scanner and the live
// watcher cannot fork the chain.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/fisml/agent/internal/fismlerr"
	"github.com/fisml/agent/internal/ledger"
)

// ddl is the schema applied on Open. It is idempotent so Open can be called
// repeatedly against the same database file.
const ddl = `
CREATE TABLE IF NOT EXISTS files (
    path      TEXT PRIMARY KEY,
    hash      TEXT NOT NULL,
    size      INTEGER NOT NULL,
    mtime     INTEGER NOT NULL,
    mode      INTEGER NOT NULL,
    last_seen TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    ts              TEXT NOT NULL,
    path            TEXT NOT NULL,
    kind            TEXT NOT NULL,
    old_hash        TEXT,
    new_hash        TEXT,
    secret_count    INTEGER NOT NULL,
    prev_event_hash TEXT,
    event_hash      TEXT NOT NULL,
    signature       BLOB
);
CREATE INDEX IF NOT EXISTS idx_events_id ON events (id);
`

// Store is a WAL-mode SQLite-backed FileRecord/EventRecord database. It is
// safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes the read-last-hash/compute/insert sequence in AppendEvent
}

// Open opens (or creates) the database at path, enables WAL journal mode,
// and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Storage, fmt.Sprintf("store: open %q", path), err)
	}

	// A single connection serializes all writers through this *sql.DB,
	// which avoids "database is locked" errors from SQLite's single-writer
	// model when the baseline scanner and watcher both append concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fismlerr.Wrap(fismlerr.Storage, "store: set WAL mode", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fismlerr.Wrap(fismlerr.Storage, "store: set synchronous=NORMAL", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fismlerr.Wrap(fismlerr.Storage, "store: apply schema", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FileRecord is the last-known state of a monitored path.
type FileRecord struct {
	Path     string
	Hash     string
	Size     int64
	Mtime    int64
	Mode     uint32
	LastSeen time.Time
}

// UpsertFile inserts or updates the stored record for rec.Path.
func (s *Store) UpsertFile(rec FileRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO files (path, hash, size, mtime, mode, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		     hash = excluded.hash,
		     size = excluded.size,
		     mtime = excluded.mtime,
		     mode = excluded.mode,
		     last_seen = excluded.last_seen`,
		rec.Path, rec.Hash, rec.Size, rec.Mtime, rec.Mode, rec.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fismlerr.Wrap(fismlerr.Storage, fmt.Sprintf("store: upsert file %q", rec.Path), err)
	}
	return nil
}

// GetFileHash returns the last recorded hash for path, and whether a record
// exists at all.
func (s *Store) GetFileHash(path string) (hash string, ok bool, err error) {
	row := s.db.QueryRow(`SELECT hash FROM files WHERE path = ?`, path)
	if scanErr := row.Scan(&hash); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fismlerr.Wrap(fismlerr.Storage, fmt.Sprintf("store: get file hash %q", path), scanErr)
	}
	return hash, true, nil
}

// DeleteFile removes the stored record for path.
func (s *Store) DeleteFile(path string) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fismlerr.Wrap(fismlerr.Storage, fmt.Sprintf("store: delete file %q", path), err)
	}
	return nil
}

// ListFiles returns every currently tracked file record, ordered by path.
func (s *Store) ListFiles() ([]FileRecord, error) {
	rows, err := s.db.Query(`SELECT path, hash, size, mtime, mode, last_seen FROM files ORDER BY path`)
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Storage, "store: list files", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var lastSeen string
		if err := rows.Scan(&rec.Path, &rec.Hash, &rec.Size, &rec.Mtime, &rec.Mode, &lastSeen); err != nil {
			return nil, fismlerr.Wrap(fismlerr.Storage, "store: scan file row", err)
		}
		rec.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent computes draft's chain link against the current last event
// hash and inserts it, all inside one transaction, returning the fully
// assigned EventRecord. This is the sole write path by which the event
// chain grows, which is what keeps it from forking under concurrent
// baseline/watcher writers.
func (s *Store) AppendEvent(draft ledger.EventDraft) (ledger.EventRecord, error) {
	if err := draft.Kind.Validate(); err != nil {
		return ledger.EventRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return ledger.EventRecord{}, fismlerr.Wrap(fismlerr.Storage, "store: begin append transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	var prevEventHash *string
	row := tx.QueryRow(`SELECT event_hash FROM events ORDER BY id DESC LIMIT 1`)
	var last string
	switch scanErr := row.Scan(&last); scanErr {
	case nil:
		prevEventHash = &last
	case sql.ErrNoRows:
		prevEventHash = nil
	default:
		return ledger.EventRecord{}, fismlerr.Wrap(fismlerr.Storage, "store: read last event hash", scanErr)
	}

	eventHash, err := ledger.ComputeEventHash(draft, prevEventHash)
	if err != nil {
		return ledger.EventRecord{}, err
	}

	res, err := tx.Exec(
		`INSERT INTO events (ts, path, kind, old_hash, new_hash, secret_count, prev_event_hash, event_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		draft.Timestamp.UTC().Format(time.RFC3339Nano),
		draft.Path,
		string(draft.Kind),
		draft.OldHash,
		draft.NewHash,
		draft.SecretCount,
		prevEventHash,
		eventHash,
		nil,
	)
	if err != nil {
		return ledger.EventRecord{}, fismlerr.Wrap(fismlerr.Storage, "store: insert event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.EventRecord{}, fismlerr.Wrap(fismlerr.Storage, "store: read inserted event id", err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.EventRecord{}, fismlerr.Wrap(fismlerr.Storage, "store: commit append transaction", err)
	}

	return ledger.EventRecord{
		ID:            id,
		Timestamp:     draft.Timestamp.UTC(),
		Path:          draft.Path,
		Kind:          draft.Kind,
		OldHash:       draft.OldHash,
		NewHash:       draft.NewHash,
		SecretCount:   draft.SecretCount,
		PrevEventHash: prevEventHash,
		EventHash:     eventHash,
	}, nil
}

// UpdateSignature stores sig against the event identified by id.
func (s *Store) UpdateSignature(id int64, sig []byte) error {
	if _, err := s.db.Exec(`UPDATE events SET signature = ? WHERE id = ?`, sig, id); err != nil {
		return fismlerr.Wrap(fismlerr.Storage, fmt.Sprintf("store: update signature for event %d", id), err)
	}
	return nil
}

// ListEvents returns the most recent limit events, ordered by id
// descending. A limit of 0 or less returns every event, still ordered by id
// descending.
func (s *Store) ListEvents(limit int) ([]ledger.EventRecord, error) {
	query := `SELECT id, ts, path, kind, old_hash, new_hash, secret_count, prev_event_hash, event_hash, signature
	          FROM events ORDER BY id DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Storage, "store: list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// AllEvents returns every event in ascending id order.
func (s *Store) AllEvents() ([]ledger.EventRecord, error) {
	rows, err := s.db.Query(`SELECT id, ts, path, kind, old_hash, new_hash, secret_count, prev_event_hash, event_hash, signature
	                          FROM events ORDER BY id ASC`)
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Storage, "store: list all events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]ledger.EventRecord, error) {
	var out []ledger.EventRecord
	for rows.Next() {
		var (
			rec  ledger.EventRecord
			ts   string
			kind string
			sig  []byte
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Path, &kind, &rec.OldHash, &rec.NewHash,
			&rec.SecretCount, &rec.PrevEventHash, &rec.EventHash, &sig); err != nil {
			return nil, fismlerr.Wrap(fismlerr.Storage, "store: scan event row", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Kind = ledger.EventKind(kind)
		rec.Signature = sig
		out = append(out, rec)
	}
	return out, rows.Err()
}
