// Package watcher turns raw filesystem notifications into normalized,
// debounced change events for the ingest pipeline. fsnotify is the
// backend; directories are registered recursively and new directories
// join the watch set as they appear.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/ignore"
)

// Kind is a normalized change type.
type Kind string

const (
	KindAdd       Kind = "add"
	KindChange    Kind = "change"
	KindUnlink    Kind = "unlink"
	KindAddDir    Kind = "addDir"
	KindUnlinkDir Kind = "unlinkDir"
)

// Event is one normalized filesystem change. Path is relative to the
// watched root.
type Event struct {
	Path      string    `json:"path"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Watcher watches a project tree and emits debounced events.
type Watcher struct {
	root     string
	cfg      config.WatcherConfig
	matcher  *ignore.Matcher
	debounce *debouncer
	events   chan Event
	errors   chan error

	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	restarts int
	stopped  bool
	stopCh   chan struct{}
}

// New builds a watcher for the project root. The ignore matcher combines
// the built-in set, the project's ignore files, and configured patterns.
func New(projectPath string, cfg config.WatcherConfig) (*Watcher, error) {
	if cfg.DebounceMs <= 0 {
		cfg.DebounceMs = 500
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}

	matcher, err := ignore.ForProject(projectPath, cfg.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    projectPath,
		cfg:     cfg,
		matcher: matcher,
		events:  make(chan Event, 1024),
		errors:  make(chan error, 8),
		stopCh:  make(chan struct{}),
	}
	w.debounce = newDebouncer(time.Duration(cfg.DebounceMs)*time.Millisecond, w.emit)
	return w, nil
}

// Start registers the tree and begins the event loop. The loop restarts
// on backend failure up to the configured limit, then reports the fatal
// error on Errors.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return specerrors.New(specerrors.KindInternal, "watcher already stopped")
	}
	if w.fsw != nil {
		return nil
	}

	fsw, err := w.openBackend()
	if err != nil {
		return err
	}
	w.fsw = fsw

	go w.run(ctx)
	slog.Info("watcher_started",
		slog.String("root", w.root),
		slog.Int("debounce_ms", w.cfg.DebounceMs))
	return nil
}

func (w *Watcher) openBackend() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "create filesystem watcher", err)
	}
	roots := append([]string{w.root}, w.cfg.AdditionalPaths...)
	for _, root := range roots {
		if err := w.addRecursive(fsw, root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return fsw, nil
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel := w.relPath(path)
		if rel != "." && w.matcher.Match(rel, true) {
			return filepath.SkipDir
		}
		if addErr := fsw.Add(path); addErr != nil {
			slog.Warn("watch_dir_failed",
				slog.String("path", path), slog.String("error", addErr.Error()))
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	for {
		w.mu.Lock()
		fsw := w.fsw
		w.mu.Unlock()
		if fsw == nil {
			return
		}

		err := w.loop(ctx, fsw)
		if err == nil {
			return
		}

		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.restarts++
		restarts := w.restarts
		w.mu.Unlock()

		if restarts > w.cfg.MaxRestarts {
			slog.Error("watcher_gave_up",
				slog.Int("restarts", restarts-1), slog.String("error", err.Error()))
			w.emitError(specerrors.Wrap(specerrors.KindInternal, "watcher exhausted restarts", err))
			return
		}
		slog.Warn("watcher_restarting",
			slog.Int("attempt", restarts), slog.String("error", err.Error()))

		fresh, openErr := w.openBackend()
		if openErr != nil {
			w.emitError(openErr)
			return
		}
		w.mu.Lock()
		w.fsw = fresh
		w.mu.Unlock()
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return nil
		case <-w.stopCh:
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return specerrors.New(specerrors.KindInternal, "event channel closed")
			}
			w.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return specerrors.New(specerrors.KindInternal, "error channel closed")
			}
			w.emitError(err)
		}
	}
}

// handle normalizes one raw notification. Renames surface as unlinks;
// the other half of the rename arrives as a create for the new path.
func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel := w.relPath(ev.Name)
	if rel == "." || rel == "" {
		return
	}

	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.matcher.Match(rel, isDir) {
		return
	}

	var kind Kind
	switch {
	case ev.Op&fsnotify.Create != 0:
		if isDir {
			kind = KindAddDir
			_ = w.addRecursive(fsw, ev.Name)
		} else {
			kind = KindAdd
		}
	case ev.Op&fsnotify.Write != 0:
		if isDir {
			return
		}
		kind = KindChange
	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		// The path is gone, so Stat above failed; the kind depends on
		// what the path used to be, which only the store knows. Files
		// dominate, and the ingest layer treats an unlink of a directory
		// path as a no-op.
		kind = KindUnlink
	default:
		return
	}

	w.debounce.add(Event{Path: rel, Kind: kind, Timestamp: time.Now().UTC()})
}

// ScanExisting walks the tree and emits an add event for every tracked
// file already on disk. Used at startup so pre-existing files reach the
// queue; the debouncer dedupes against live events.
func (w *Watcher) ScanExisting(ctx context.Context) (int, error) {
	count := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := w.relPath(path)
		if rel == "." {
			return nil
		}
		if w.matcher.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		w.debounce.add(Event{Path: rel, Kind: KindAdd, Timestamp: time.Now().UTC()})
		count++
		return nil
	})
	if err != nil {
		return count, specerrors.Wrap(specerrors.KindCancelled, "scan interrupted", err)
	}
	slog.Info("watcher_scan_complete", slog.String("root", w.root), slog.Int("files", count))
	return count, nil
}

// Events is the stream of debounced changes.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors carries non-fatal backend errors and the final fatal one.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Running reports whether the watcher is live.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw != nil && !w.stopped
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debounce.stop()
	if w.fsw != nil {
		_ = w.fsw.Close()
		w.fsw = nil
	}
	close(w.events)
	close(w.errors)
	slog.Info("watcher_stopped", slog.String("root", w.root))
	return nil
}

func (w *Watcher) relPath(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// emit holds the lock across the send so Stop cannot close the channel
// mid-send.
func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.events <- ev:
	default:
		slog.Warn("watcher_event_dropped", slog.String("path", ev.Path), slog.String("kind", string(ev.Kind)))
	}
}

func (w *Watcher) emitError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}
