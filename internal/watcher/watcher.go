// Package watcher implements the live, filesystem-notification-driven
// monitor: a watcher handle is added per directory, events are read off a
// select loop alongside a context-done case, and Stop is idempotent. Unlike
// a baseline run, the live watcher never emits Deleted events; that
// reconciliation is left to the next baseline run.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/fisml/agent/internal/fismlerr"
	"github.com/fisml/agent/internal/hashing"
	"github.com/fisml/agent/internal/ledger"
	"github.com/fisml/agent/internal/secrets"
	"github.com/fisml/agent/internal/store"
)

// secretScanSizeLimit matches the baseline scanner's guard so the two
// producers never disagree about which files are large enough to skip
// secret scanning.
const secretScanSizeLimit = 5_000_000

// debounce absorbs the burst of events editors commonly produce for a
// single logical write (temp file + rename, multiple WRITE events, etc.).
const debounce = 150 * time.Millisecond

// Watcher monitors a set of directory roots for filesystem notifications,
// reconciles each changed file against the store, and appends New/Modified
// events. It never emits Deleted events.
type Watcher struct {
	paths       []string
	ignoreGlobs []string
	scanSecrets bool
	sign        func(eventHash string) []byte

	hasher  hashing.Hasher
	scanner *secrets.Scanner
	store   *store.Store
	logger  *slog.Logger

	fsw    *fsnotify.Watcher
	events chan ledger.EventRecord

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Options configures a Watcher.
type Options struct {
	Paths       []string
	IgnoreGlobs []string
	ScanSecrets bool
	Sign        func(eventHash string) []byte
}

// New creates a Watcher. It does not begin watching until Start is called.
func New(st *store.Store, hasher hashing.Hasher, scanner *secrets.Scanner, opts Options, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fismlerr.Wrap(fismlerr.Io, "watcher: create fsnotify watcher", err)
	}
	return &Watcher{
		paths:       opts.Paths,
		ignoreGlobs: opts.IgnoreGlobs,
		scanSecrets: opts.ScanSecrets,
		sign:        opts.Sign,
		hasher:      hasher,
		scanner:     scanner,
		store:       st,
		logger:      logger,
		fsw:         fsw,
		events:      make(chan ledger.EventRecord, 64),
	}, nil
}

// Start registers every directory under the configured roots with the
// underlying fsnotify watcher and begins processing events. It returns once
// the watch set is registered; processing continues on an internal
// goroutine until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return nil
			}
			if !d.IsDir() {
				return nil
			}
			if ignored(path, w.ignoreGlobs) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil {
				w.logger.Warn("watcher: failed to watch directory", slog.String("path", path), slog.Any("error", err))
			}
			return nil
		})
		if err != nil {
			return fismlerr.Wrap(fismlerr.Io, fmt.Sprintf("watcher: walk %q", root), err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(runCtx)

	return nil
}

// Events returns the channel of ledger events produced as the watcher
// reconciles writes. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan ledger.EventRecord {
	return w.events
}

// Stop signals the watcher to stop and blocks until its goroutine exits. It
// is safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		_ = w.fsw.Close()
		close(w.events)
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	pending := make(map[string]*time.Timer)
	fire := make(chan string, 64)

	for {
		select {
		case <-ctx.Done():
			for _, t := range pending {
				t.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if ignored(ev.Name, w.ignoreGlobs) {
				continue
			}
			path := ev.Name
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			pending[path] = time.AfterFunc(debounce, func() {
				select {
				case fire <- path:
				case <-ctx.Done():
				}
			})

		case path := <-fire:
			delete(pending, path)
			w.reconcile(path)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		}
	}
}

// reconcile hashes path, classifies it against the store, optionally scans
// for secrets, and appends a New/Modified event. Unchanged files and
// directories produce no event. Stat/read errors are logged and skipped,
// matching the baseline scanner's drop-and-continue error policy.
func (w *Watcher) reconcile(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("watcher: stat failed", slog.String("path", path), slog.Any("error", err))
		}
		return
	}
	if info.IsDir() || !info.Mode().IsRegular() {
		return
	}

	newHash, err := w.hasher.HashFile(path)
	if err != nil {
		w.logger.Warn("watcher: hash failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	oldHash, existed, err := w.store.GetFileHash(path)
	if err != nil {
		w.logger.Warn("watcher: lookup failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	var kind ledger.EventKind
	var oldHashPtr *string
	switch {
	case !existed:
		kind = ledger.KindNew
	case oldHash != newHash:
		kind = ledger.KindModified
		old := oldHash
		oldHashPtr = &old
	default:
		return // unchanged; watcher never emits Baseline events
	}

	if err := w.store.UpsertFile(store.FileRecord{
		Path:     path,
		Hash:     newHash,
		Size:     info.Size(),
		Mtime:    info.ModTime().Unix(),
		Mode:     uint32(info.Mode()),
		LastSeen: time.Now().UTC(),
	}); err != nil {
		w.logger.Warn("watcher: upsert file failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	secretCount := 0
	if w.scanSecrets && w.scanner != nil && info.Size() <= secretScanSizeLimit {
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			w.logger.Warn("watcher: read for secret scan failed", slog.String("path", path), slog.Any("error", readErr))
		} else {
			secretCount = len(w.scanner.Scan(content))
		}
	}

	newHashCopy := newHash
	rec, err := w.store.AppendEvent(ledger.EventDraft{
		Timestamp:   time.Now().UTC(),
		Path:        path,
		Kind:        kind,
		OldHash:     oldHashPtr,
		NewHash:     &newHashCopy,
		SecretCount: secretCount,
	})
	if err != nil {
		w.logger.Warn("watcher: append event failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	if w.sign != nil {
		sig := w.sign(rec.EventHash)
		if err := w.store.UpdateSignature(rec.ID, sig); err != nil {
			w.logger.Warn("watcher: update signature failed", slog.Int64("event_id", rec.ID), slog.Any("error", err))
		}
	}

	select {
	case w.events <- rec:
	default:
		w.logger.Warn("watcher: events channel full, dropping notification", slog.String("path", path))
	}
}

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
