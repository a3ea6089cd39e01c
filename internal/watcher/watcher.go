// Package watcher implements the File Watcher collaborator (C9): fsnotify
// events are debounced per path, then applied one at a time. While a full
// index run holds the coordinator's is_indexing guard, events are coalesced
// into the coordinator's pending-events map instead of being applied
// directly — the coordinator drains and applies them itself once the run
// completes.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/coordinator"
)

const debounce = 500 * time.Millisecond

// Watcher watches a directory tree for changes and relays them to a
// Coordinator, one path at a time.
type Watcher struct {
	fw   *fsnotify.Watcher
	c    *coordinator.Coordinator
	log  *zap.Logger
	root string

	mu      sync.Mutex // guards pending debounce timers and applyMu ordering
	timers  map[string]*time.Timer
	applyMu sync.Mutex // serializes IndexFile/remove calls across debounced paths

	// dispatchFn defaults to w.dispatch; overridable in tests so debounce
	// timing can be verified without a live coordinator/embedder.
	dispatchFn func(path string, kind coordinator.EventKind)
}

// New creates a Watcher that relays debounced filesystem events to c.
func New(c *coordinator.Coordinator, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{fw: fw, c: c, log: log, timers: make(map[string]*time.Timer)}
	w.dispatchFn = w.dispatch
	return w, nil
}

// Watch adds rootDir (and all subdirectories) to the watch list and begins
// processing events. It blocks until ctx is cancelled or the underlying
// fsnotify watcher closes. Call this in a goroutine.
func (w *Watcher) Watch(ctx context.Context, rootDir string) error {
	w.root = rootDir
	if err := w.addDirRecursive(rootDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleEvent classifies one fsnotify event and (re)starts its path's
// debounce timer.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if err := w.addDirRecursive(path); err != nil {
				w.log.Warn("watch: failed to add new directory", zap.String("dir", path), zap.Error(err))
			}
			return
		}
	}

	if !chunker.IsSupportedFile(path) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	kind, ok := classify(event)
	if !ok {
		return
	}

	w.debounce(path, kind)
}

// classify maps an fsnotify event's operation bits to a coordinator event
// kind. Removes and renames both unlink the path (a rename's Create half
// arrives separately, as a distinct event for the new name).
func classify(event fsnotify.Event) (coordinator.EventKind, bool) {
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return coordinator.EventUnlink, true
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		return coordinator.EventAddOrChange, true
	default:
		return 0, false
	}
}

// debounce resets path's timer on rapid successive events (e.g. an editor's
// write-then-rename save pattern), firing dispatch once events settle.
func (w *Watcher) debounce(path string, kind coordinator.EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounce, func() {
		w.dispatchFn(path, kind)
	})
}

// dispatch applies one settled event — directly if no full index is
// running, or by queuing it on the coordinator otherwise.
func (w *Watcher) dispatch(path string, kind coordinator.EventKind) {
	if w.c.IsIndexing() {
		w.c.QueueEvent(path, kind)
		return
	}

	w.applyMu.Lock()
	defer w.applyMu.Unlock()

	switch kind {
	case coordinator.EventUnlink:
		w.log.Info("watch: removing", zap.String("path", path))
		w.c.RemoveFile(path)
	default:
		w.log.Info("watch: re-indexing", zap.String("path", path))
		if _, err := w.c.IndexFile(context.Background(), path); err != nil {
			w.log.Warn("watch: index failed", zap.String("path", path), zap.Error(err))
			return
		}
	}

	if err := w.c.Persist(); err != nil {
		w.log.Warn("watch: persist failed", zap.String("path", path), zap.Error(err))
	}
}

// addDirRecursive adds dir and all non-hidden subdirectories to the watcher.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				w.log.Warn("watch: skipping subtree", zap.String("dir", filepath.Join(dir, e.Name())), zap.Error(err))
			}
		}
	}
	return nil
}
