// Package dirsource watches local directories for new, fully-written
// files and emits FileEvents onto the event bus.
package dirsource

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"

	"github.com/1Optic/cortex-dispatcher/internal/errkind"
	"github.com/1Optic/cortex-dispatcher/internal/events"
	"github.com/1Optic/cortex-dispatcher/internal/logging"
	"github.com/1Optic/cortex-dispatcher/internal/registry"
)

// DefaultSettleDuration is the dwell time a path must go quiet for before
// it is considered fully written.
const DefaultSettleDuration = 250 * time.Millisecond

// Watcher observes one configured directory source.
type Watcher struct {
	Name           string
	RootPath       string
	Recursive      bool
	Filter         *regexp.Regexp
	SettleDuration time.Duration

	bus    *events.Bus
	store  *registry.Store
	logger *logging.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
}

// New constructs a Watcher. settleDuration of zero uses DefaultSettleDuration.
func New(name, rootPath string, recursive bool, filter *regexp.Regexp, settleDuration time.Duration, bus *events.Bus, store *registry.Store, logger *logging.Logger) *Watcher {
	if settleDuration <= 0 {
		settleDuration = DefaultSettleDuration
	}
	return &Watcher{
		Name:           name,
		RootPath:       rootPath,
		Recursive:      recursive,
		Filter:         filter,
		SettleDuration: settleDuration,
		bus:            bus,
		store:          store,
		logger:         logger,
		timers:         map[string]*time.Timer{},
	}
}

// Run reconciles disk state against the registry, then watches RootPath
// until ctx is cancelled or the watcher fails (a TransientIO error,
// signalling the Supervisor to restart this component after backoff).
func (w *Watcher) Run(ctx context.Context) kv.Error {
	if err := w.reconcile(ctx); err != nil {
		return err
	}

	fsw, errGo := fsnotify.NewWatcher()
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "create fsnotify watcher").With("stack", stack.Trace().TrimRuntime()).With("source", w.Name)
	}
	defer fsw.Close()

	if err := w.addWatches(fsw); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case errGo, ok := <-fsw.Errors:
			if !ok {
				return errkind.New(errkind.TransientIO, "fsnotify error channel closed").With("source", w.Name)
			}
			return errkind.Wrap(errkind.TransientIO, errGo, "fsnotify watch error").With("stack", stack.Trace().TrimRuntime()).With("source", w.Name)
		case evt, ok := <-fsw.Events:
			if !ok {
				return errkind.New(errkind.TransientIO, "fsnotify event channel closed").With("source", w.Name)
			}
			w.handleFsEvent(ctx, fsw, evt)
		}
	}
}

func (w *Watcher) addWatches(fsw *fsnotify.Watcher) kv.Error {
	if !w.Recursive {
		if errGo := fsw.Add(w.RootPath); errGo != nil {
			return errkind.Wrap(errkind.TransientIO, errGo, "watch directory").With("stack", stack.Trace().TrimRuntime()).With("path", w.RootPath)
		}
		return nil
	}

	errGo := filepath.WalkDir(w.RootPath, func(path string, d fs.DirEntry, errGo error) error {
		if errGo != nil {
			return errGo
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "walk and watch directories").With("stack", stack.Trace().TrimRuntime()).With("path", w.RootPath)
	}
	return nil
}

func (w *Watcher) handleFsEvent(ctx context.Context, fsw *fsnotify.Watcher, evt fsnotify.Event) {
	info, errGo := os.Stat(evt.Name)
	if errGo != nil {
		// File removed or renamed away before we could stat it; a
		// pending settle timer for it is no longer useful.
		w.cancelTimer(evt.Name)
		return
	}

	if info.IsDir() {
		if w.Recursive && (evt.Op&fsnotify.Create) != 0 {
			_ = fsw.Add(evt.Name)
		}
		return
	}

	if w.Filter != nil && !w.Filter.MatchString(evt.Name) {
		return
	}

	if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	w.scheduleSettle(ctx, evt.Name)
}

// scheduleSettle (re)starts the dwell timer for path; each new write
// event pushes the deadline out, so the event only fires once the path
// has gone quiet for SettleDuration.
func (w *Watcher) scheduleSettle(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.SettleDuration, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.emit(ctx, path)
	})
}

func (w *Watcher) cancelTimer(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) emit(ctx context.Context, path string) {
	info, errGo := os.Stat(path)
	if errGo != nil {
		// Removed during the settle window; nothing to emit.
		return
	}

	evt := events.FileEvent{
		Source:   w.Name,
		Path:     path,
		Size:     info.Size(),
		Modified: info.ModTime(),
	}
	if w.store != nil {
		id, err := w.store.RecordDirectorySource(ctx, w.Name, path, info.ModTime(), info.Size())
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("failed to record directory source row", "source", w.Name, "path", path, "error", err)
			}
		} else {
			evt.Origin = events.OriginDirectorySource
			evt.OriginID = id
		}
	}
	if err := w.bus.Publish(ctx, evt); err != nil && w.logger != nil {
		w.logger.Warn("dropped file event on shutdown", "source", w.Name, "path", path, "error", err)
	}
}

// reconcile walks RootPath and emits a synthetic FileEvent for any file
// present on disk without a matching registry entry, catching anything
// that arrived while the process was down.
func (w *Watcher) reconcile(ctx context.Context) kv.Error {
	known := map[string]bool{}
	if w.store != nil {
		files, err := w.store.ListFilesBySource(ctx, w.Name)
		if err != nil {
			return err
		}
		for _, f := range files {
			known[f.Path] = true
		}
	}

	errGo := filepath.WalkDir(w.RootPath, func(path string, d fs.DirEntry, errGo error) error {
		if errGo != nil {
			return errGo
		}
		if d.IsDir() {
			if !w.Recursive && path != w.RootPath {
				return filepath.SkipDir
			}
			return nil
		}
		if w.Filter != nil && !w.Filter.MatchString(path) {
			return nil
		}
		if known[path] {
			return nil
		}

		info, errGo := d.Info()
		if errGo != nil {
			return errGo
		}
		evt := events.FileEvent{
			Source:   w.Name,
			Path:     path,
			Size:     info.Size(),
			Modified: info.ModTime(),
		}
		if w.store != nil {
			id, recErr := w.store.RecordDirectorySource(ctx, w.Name, path, info.ModTime(), info.Size())
			if recErr != nil {
				if w.logger != nil {
					w.logger.Warn("failed to record directory source row", "source", w.Name, "path", path, "error", recErr)
				}
			} else {
				evt.Origin = events.OriginDirectorySource
				evt.OriginID = id
			}
		}
		return w.bus.Publish(ctx, evt)
	})
	if errGo != nil {
		return errkind.Wrap(errkind.TransientIO, errGo, "reconcile directory source").With("stack", stack.Trace().TrimRuntime()).With("source", w.Name)
	}
	return nil
}
