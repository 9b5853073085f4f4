// Package baseline implements the one-shot reconciliation scan: walk the
// configured roots, compare each discovered file's hash against the last
// recorded state, classify it as New, Modified, or unchanged (Baseline,
// never persisted), and emit Deleted events first for any previously
// tracked path no longer discovered. Deletions are always reconciled before
// new content, and content scanning only ever runs against New/Modified
// files.
package baseline

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fisml/agent/internal/fismlerr"
	"github.com/fisml/agent/internal/hashing"
	"github.com/fisml/agent/internal/ledger"
	"github.com/fisml/agent/internal/secrets"
	"github.com/fisml/agent/internal/store"
)

// Options configures a single baseline run.
type Options struct {
	Paths       []string
	IgnoreGlobs []string
	ScanSecrets bool
	Sign        func(eventHash string) []byte // nil disables signing
}

// Result summarizes one baseline run.
type Result struct {
	Scanned      int
	NewCount     int
	ModCount     int
	DeletedCount int
	SecretCount  int
}

// secretScanSizeLimit caps the size of file content scanned for secrets,
// matching the watcher's own 5 MB guard so baseline and live scanning never
// diverge on which files get scanned.
const secretScanSizeLimit = 5_000_000

// Run performs one reconciliation pass over opts.Paths against st, using
// hasher for content addressing and scanner for secret detection when
// opts.ScanSecrets is set.
func Run(st *store.Store, hasher hashing.Hasher, scanner *secrets.Scanner, opts Options, logger *slog.Logger) (Result, error) {
	var res Result

	tracked, err := st.ListFiles()
	if err != nil {
		return res, err
	}
	trackedByPath := make(map[string]store.FileRecord, len(tracked))
	for _, rec := range tracked {
		trackedByPath[rec.Path] = rec
	}

	discovered := make(map[string]struct{})
	var order []string

	for _, root := range opts.Paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				logger.Warn("baseline: walk error", slog.String("path", path), slog.Any("error", walkErr))
				return nil
			}
			if d.IsDir() {
				if ignored(path, opts.IgnoreGlobs) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if ignored(path, opts.IgnoreGlobs) {
				return nil
			}
			discovered[path] = struct{}{}
			order = append(order, path)
			return nil
		})
		if err != nil {
			return res, fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("baseline: walk %q", root), err)
		}
	}

	// Deletions are reconciled before any new/modified content so that a
	// path which was deleted and immediately replaced still produces both
	// a Deleted and a subsequent New event, never a silent overwrite.
	for path := range trackedByPath {
		if _, ok := discovered[path]; ok {
			continue
		}
		if err := emitDeleted(st, path, trackedByPath[path].Hash, opts.Sign, logger); err != nil {
			return res, err
		}
		if err := st.DeleteFile(path); err != nil {
			return res, err
		}
		res.DeletedCount++
	}

	for _, path := range order {
		res.Scanned++

		info, err := os.Lstat(path)
		if err != nil {
			logger.Warn("baseline: stat error", slog.String("path", path), slog.Any("error", err))
			continue
		}

		newHash, err := hasher.HashFile(path)
		if err != nil {
			logger.Warn("baseline: hash error", slog.String("path", path), slog.Any("error", err))
			continue
		}

		prevHash, hadRecord := trackedByPath[path]
		var kind ledger.EventKind
		var oldHashPtr *string
		switch {
		case !hadRecord:
			kind = ledger.KindNew
		case prevHash.Hash != newHash:
			kind = ledger.KindModified
			old := prevHash.Hash
			oldHashPtr = &old
		default:
			kind = ledger.KindBaseline
		}

		if err := st.UpsertFile(store.FileRecord{
			Path:     path,
			Hash:     newHash,
			Size:     info.Size(),
			Mtime:    info.ModTime().Unix(),
			Mode:     uint32(info.Mode()),
			LastSeen: time.Now().UTC(),
		}); err != nil {
			return res, err
		}

		if kind == ledger.KindBaseline {
			continue
		}

		secretCount := 0
		if opts.ScanSecrets && scanner != nil && info.Size() <= secretScanSizeLimit {
			content, readErr := os.ReadFile(path)
			if readErr != nil {
				logger.Warn("baseline: read for secret scan failed", slog.String("path", path), slog.Any("error", readErr))
			} else {
				findings := scanner.Scan(content)
				secretCount = len(findings)
			}
		}

		newHashCopy := newHash
		rec, err := st.AppendEvent(ledger.EventDraft{
			Timestamp:   time.Now().UTC(),
			Path:        path,
			Kind:        kind,
			OldHash:     oldHashPtr,
			NewHash:     &newHashCopy,
			SecretCount: secretCount,
		})
		if err != nil {
			return res, err
		}

		if opts.Sign != nil {
			sig := opts.Sign(rec.EventHash)
			if err := st.UpdateSignature(rec.ID, sig); err != nil {
				return res, err
			}
		}

		if kind == ledger.KindNew {
			res.NewCount++
		} else {
			res.ModCount++
		}
		res.SecretCount += secretCount
	}

	return res, nil
}

func emitDeleted(st *store.Store, path, oldHash string, sign func(string) []byte, logger *slog.Logger) error {
	old := oldHash
	rec, err := st.AppendEvent(ledger.EventDraft{
		Timestamp: time.Now().UTC(),
		Path:      path,
		Kind:      ledger.KindDeleted,
		OldHash:   &old,
		NewHash:   nil,
	})
	if err != nil {
		return err
	}
	if sign != nil {
		sig := sign(rec.EventHash)
		if err := st.UpdateSignature(rec.ID, sig); err != nil {
			return err
		}
	}
	logger.Info("baseline: deleted", slog.String("path", path))
	return nil
}

// ignored reports whether path matches any of globs, tried against both the
// full path and the basename.
func ignored(path string, globs []string) bool {
	base := filepath.Base(path)
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, base); ok {
			return true
		}
	}
	return false
}
