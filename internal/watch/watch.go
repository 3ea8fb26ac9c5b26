// Package watch is the Filesystem Watcher (SPEC_FULL.md §4.D): it
// recursively watches the transcripts root and emits debounced
// project/session/subagent change events for internal/indexer to consume.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind distinguishes the three logical event families §4.D names.
type Kind int

const (
	KindProjectChanged Kind = iota
	KindSessionChanged
	KindSubagentChanged
)

// Change is what happened to the watched path.
type Change string

const (
	ChangeAdded    Change = "added"
	ChangeModified Change = "modified"
	ChangeRemoved  Change = "removed"
)

// Event is one coalesced, debounced change the Watcher emits.
type Event struct {
	Kind   Kind
	Path   string
	Change Change
}

// Watcher recursively watches a transcripts root directory laid out per
// §6: <root>/<project_dir>/<session_id>.jsonl and
// <root>/<project_dir>/<session_id>/subagents/agent-<agent_id>.jsonl.
type Watcher struct {
	root        string
	debounce    time.Duration
	dirDebounce time.Duration
	logger      *slog.Logger

	fs *fsnotify.Watcher

	events chan Event
	errors chan error

	mu           sync.Mutex
	timers       map[string]*time.Timer
	watchedDirs  map[string]bool
	knownSubDirs map[string]bool // <project>/<session>/subagents already watched
}

// New creates a Watcher and begins watching root and its existing tree.
// debounce governs write-event coalescing on an already-known file;
// dirDebounce governs a freshly created directory or file, per §4.D.
func New(root string, debounce, dirDebounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:         root,
		debounce:     debounce,
		dirDebounce:  dirDebounce,
		logger:       logger,
		fs:           fsw,
		events:       make(chan Event, 64),
		errors:       make(chan error, 8),
		timers:       make(map[string]*time.Timer),
		watchedDirs:  make(map[string]bool),
		knownSubDirs: make(map[string]bool),
	}

	if err := w.addWatch(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch root %s: %w", root, err)
	}
	w.discoverExisting()

	return w, nil
}

// Events is the channel of debounced, coalesced changes.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors is the channel of non-fatal fsnotify errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Close stops the underlying fsnotify watcher and all pending timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	return w.fs.Close()
}

// Run consumes fsnotify events until ctx is cancelled, emitting debounced
// Events on the Events() channel. Honors cancellation as its shutdown
// signal, per §4.D.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)
	defer close(w.errors)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) addWatch(dir string) error {
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.watchedDirs[dir] = true
	w.mu.Unlock()
	return nil
}

// discoverExisting walks the already-present tree once at startup, adding
// a watch on every project directory and every subagents directory so an
// append to a file that predates the process is still observed.
func (w *Watcher) discoverExisting() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		projectDir := filepath.Join(w.root, e.Name())
		if err := w.addWatch(projectDir); err != nil {
			w.logger.Warn("watch project dir failed", "dir", projectDir, "error", err)
			continue
		}
		w.discoverSubagentDirs(projectDir)
	}
}

// discoverSubagentDirs probes a project directory for
// <session_id>/subagents subdirectories and starts watching any not yet
// known, mirroring the teacher-pack idiom of opportunistically adding
// newly discovered paths to the live fsnotify watcher.
func (w *Watcher) discoverSubagentDirs(projectDir string) {
	entries, err := os.ReadDir(projectDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		subagentsDir := filepath.Join(projectDir, e.Name(), "subagents")
		w.mu.Lock()
		known := w.knownSubDirs[subagentsDir]
		w.mu.Unlock()
		if known {
			continue
		}
		if info, err := os.Stat(subagentsDir); err == nil && info.IsDir() {
			if err := w.addWatch(subagentsDir); err == nil {
				w.mu.Lock()
				w.knownSubDirs[subagentsDir] = true
				w.mu.Unlock()
			}
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	dir := filepath.Dir(event.Name)

	switch {
	case dir == w.root:
		w.handleRootEvent(event)
	case w.isSubagentsDir(dir):
		w.handleSubagentEvent(event)
	default:
		// Anything else is either a project directory (session files) or
		// a per-session directory (whose only interesting child is its
		// subagents/ subdirectory, discovered below).
		w.handleProjectEvent(event)
	}
}

func (w *Watcher) isSubagentsDir(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.knownSubDirs[dir]
}

func (w *Watcher) handleRootEvent(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addWatch(event.Name); err != nil {
				w.logger.Warn("watch new project dir failed", "dir", event.Name, "error", err)
				return
			}
			w.debounceEmit(event.Name, w.dirDebounce, Event{Kind: KindProjectChanged, Path: event.Name, Change: ChangeAdded})
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.watchedDirs, event.Name)
		w.mu.Unlock()
		w.emit(Event{Kind: KindProjectChanged, Path: event.Name, Change: ChangeRemoved})
	}
}

func (w *Watcher) handleProjectEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// A brand new per-session directory; its subagents/ child
			// doesn't exist yet but may appear shortly.
			w.discoverSubagentDirs(filepath.Dir(event.Name))
			return
		}
	}

	if !strings.HasSuffix(base, ".jsonl") || strings.HasPrefix(base, "agent-") {
		// Not a session file, or a legacy agent-*.jsonl sitting directly
		// under the project directory (§6: must be ignored).
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.emit(Event{Kind: KindSessionChanged, Path: event.Name, Change: ChangeRemoved})
	case event.Has(fsnotify.Create):
		w.debounceEmit(event.Name, w.dirDebounce, Event{Kind: KindSessionChanged, Path: event.Name, Change: ChangeModified})
	case event.Has(fsnotify.Write):
		w.debounceEmit(event.Name, w.debounce, Event{Kind: KindSessionChanged, Path: event.Name, Change: ChangeModified})
	}
}

func (w *Watcher) handleSubagentEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, ".jsonl") || !strings.HasPrefix(base, "agent-") {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.emit(Event{Kind: KindSubagentChanged, Path: event.Name, Change: ChangeRemoved})
	case event.Has(fsnotify.Create):
		w.debounceEmit(event.Name, w.dirDebounce, Event{Kind: KindSubagentChanged, Path: event.Name, Change: ChangeModified})
	case event.Has(fsnotify.Write):
		w.debounceEmit(event.Name, w.debounce, Event{Kind: KindSubagentChanged, Path: event.Name, Change: ChangeModified})
	}
}

// debounceEmit resets a per-path timer so a burst of rapid events on the
// same path coalesces into one emission, following the teacher-pack
// fsnotify idiom (separate windows for a known file's writes vs. a freshly
// created path).
func (w *Watcher) debounceEmit(path string, delay time.Duration, ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(delay, func() { w.emit(ev) })
}

// emit is a non-blocking send so it never blocks the fsnotify read loop;
// when the events channel is full the event is dropped with a warning and
// is not sent again.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("watch event channel full, dropping", "kind", ev.Kind, "path", ev.Path)
	}
}
