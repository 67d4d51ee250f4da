// Package watcher turns raw filesystem activity under the configured roots
// into debounced file events for the daemon's intake goroutine. fsnotify is
// the primary source; when it cannot be constructed or a root cannot be
// watched, the watcher degrades to mtime polling instead of going quiet.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
)

// Watcher modes reported in /status.
const (
	ModeNotify  = "fsnotify"
	ModePolling = "polling"
)

const (
	defaultDebounce = 500 * time.Millisecond
	defaultPoll     = 30 * time.Second

	// flushInterval paces debounce-map sweeps, so an event surfaces about
	// this long after its path goes quiet.
	flushInterval = 100 * time.Millisecond

	eventBuffer = 256
)

// pendingEvent is one debounced path awaiting its quiet period.
type pendingEvent struct {
	kind     string
	lastSeen time.Time
}

// Watcher monitors the configured roots and emits one FileDetectedEvent per
// path once a burst of raw events settles. Paths under the librarian home
// directory and hidden entries are never reported.
type Watcher struct {
	roots     []config.WatchRoot
	homeDir   string
	debounce  time.Duration
	pollEvery time.Duration
	bus       *bus.Bus
	logger    *slog.Logger

	events chan bus.FileDetectedEvent

	mu      sync.Mutex
	pending map[string]*pendingEvent
	mode    string
	started bool
}

func New(cfg config.WatchConfig, homeDir string, eventBus *bus.Bus, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	debounce := time.Duration(cfg.DebounceMillis) * time.Millisecond
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	pollEvery := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if pollEvery <= 0 {
		pollEvery = defaultPoll
	}
	roots := make([]config.WatchRoot, 0, len(cfg.Roots))
	for _, r := range cfg.Roots {
		if strings.TrimSpace(r.Path) == "" {
			continue
		}
		if abs, err := filepath.Abs(r.Path); err == nil {
			r.Path = abs
		}
		roots = append(roots, r)
	}
	return &Watcher{
		roots:     roots,
		homeDir:   homeDir,
		debounce:  debounce,
		pollEvery: pollEvery,
		bus:       eventBus,
		logger:    logger.With("component", "watcher"),
		events:    make(chan bus.FileDetectedEvent, eventBuffer),
		pending:   make(map[string]*pendingEvent),
		mode:      ModeNotify,
	}
}

// Events is the handoff channel to the intake goroutine. It closes when the
// watcher's context is canceled.
func (w *Watcher) Events() <-chan bus.FileDetectedEvent {
	return w.events
}

// Mode reports fsnotify or polling.
func (w *Watcher) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// Start begins watching until ctx is canceled. Construction or root watch
// failures switch to polling rather than returning an error; the watcher
// never runs silently stopped.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	w.started = true
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.degrade(fmt.Sprintf("fsnotify init: %v", err))
		go func() {
			defer close(w.events)
			w.runPolling(ctx)
		}()
		return nil
	}

	for _, root := range w.roots {
		if err := w.addTree(fsw, root.Path, root.Recursive, false); err != nil {
			_ = fsw.Close()
			w.degrade(fmt.Sprintf("watch root %s: %v", root.Path, err))
			go func() {
				defer close(w.events)
				w.runPolling(ctx)
			}()
			return nil
		}
		w.logger.Info("watching root", "path", root.Path, "recursive", root.Recursive)
	}

	go w.run(ctx, fsw)
	return nil
}

// run is the fsnotify event loop. A fatal source failure hands the same
// goroutine over to polling so the events channel stays owned by one writer.
func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.events)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = fsw.Close()
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				w.degrade("fsnotify event channel closed")
				w.runPolling(ctx)
				return
			}
			w.handleNotify(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				w.degrade("fsnotify error channel closed")
				w.runPolling(ctx)
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were dropped; only a snapshot diff can recover
				// what was missed.
				_ = fsw.Close()
				w.degrade(fmt.Sprintf("event overflow: %v", err))
				w.runPolling(ctx)
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-ticker.C:
			w.flush(time.Now())
		}
	}
}

func (w *Watcher) handleNotify(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	path := filepath.Clean(ev.Name)
	if w.ignored(path) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			// fsnotify is non-recursive; directories appearing inside a
			// recursive root are watched as they arrive. Files already
			// inside a moved-in directory get no events of their own, so
			// the walk records them.
			if root, ok := w.rootFor(path); ok && root.Recursive {
				if err := w.addTree(fsw, path, true, true); err != nil {
					w.logger.Warn("watch new directory", "path", path, "error", err)
				}
			}
			return
		}
		w.record(path, bus.FileCreated)
		return
	}
	if ev.Op&fsnotify.Write != 0 {
		w.record(path, bus.FileModified)
		return
	}
	// Remove or rename. Renames inside a watched tree also produce a create
	// at the new path.
	w.record(path, bus.FileDeleted)
}

// record merges a raw event into the debounce map. Later events for the same
// path extend the quiet window and update the kind, except that a create
// followed by writes still surfaces as a create.
func (w *Watcher) record(path, kind string) {
	now := time.Now()
	w.mu.Lock()
	if p, ok := w.pending[path]; ok {
		p.kind = mergeKind(p.kind, kind)
		p.lastSeen = now
	} else {
		w.pending[path] = &pendingEvent{kind: kind, lastSeen: now}
	}
	w.mu.Unlock()
}

func mergeKind(old, next string) string {
	if old == bus.FileCreated && next == bus.FileModified {
		return bus.FileCreated
	}
	return next
}

// flush emits every pending path whose quiet period has elapsed. A full
// events channel leaves the entry in place for the next sweep instead of
// dropping it.
func (w *Watcher) flush(now time.Time) {
	type due struct {
		path     string
		kind     string
		lastSeen time.Time
	}

	w.mu.Lock()
	var ready []due
	for path, p := range w.pending {
		if now.Sub(p.lastSeen) < w.debounce {
			continue
		}
		ready = append(ready, due{path: path, kind: p.kind, lastSeen: p.lastSeen})
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for _, d := range ready {
		ev := bus.FileDetectedEvent{Path: d.path, Kind: d.kind, DetectedAt: d.lastSeen}
		if d.kind != bus.FileDeleted {
			fi, err := os.Stat(d.path)
			if err != nil {
				// Vanished inside the window; the delete event carries on
				// separately if one fired.
				continue
			}
			if fi.IsDir() {
				continue
			}
			ev.Size = fi.Size()
		}
		select {
		case w.events <- ev:
			// Mirror onto the bus for the dashboard and metrics observers.
			if w.bus != nil {
				w.bus.Publish(bus.TopicFileDetected, ev)
			}
		default:
			w.mu.Lock()
			if cur, ok := w.pending[d.path]; ok {
				cur.kind = mergeKind(d.kind, cur.kind)
			} else {
				w.pending[d.path] = &pendingEvent{kind: d.kind, lastSeen: d.lastSeen}
			}
			w.mu.Unlock()
		}
	}
}

// addTree registers dir (and, when recursive, every subdirectory) with the
// fsnotify watcher. With recordFiles set, files found along the way are
// recorded as created; used for directories that appear after startup, since
// their contents never produce events of their own.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string, recursive, recordFiles bool) error {
	if !recursive {
		return fsw.Add(dir)
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && w.ignored(path) {
				return fs.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				if path == dir {
					return err
				}
				w.logger.Warn("watch subdirectory", "path", path, "error", err)
			}
			return nil
		}
		if recordFiles && !w.ignored(path) {
			w.record(path, bus.FileCreated)
		}
		return nil
	})
}

// ignored filters the librarian's own home (backups, logs, db) and hidden
// entries. Configured roots themselves always pass.
func (w *Watcher) ignored(path string) bool {
	if w.homeDir != "" {
		if path == w.homeDir || strings.HasPrefix(path, w.homeDir+string(os.PathSeparator)) {
			return true
		}
	}
	for _, root := range w.roots {
		if path == root.Path {
			return false
		}
	}
	return strings.HasPrefix(filepath.Base(path), ".")
}

// rootFor finds the configured root governing path, preferring the longest
// match when roots nest.
func (w *Watcher) rootFor(path string) (config.WatchRoot, bool) {
	var best config.WatchRoot
	bestLen := -1
	for _, root := range w.roots {
		if path != root.Path && !strings.HasPrefix(path, root.Path+string(os.PathSeparator)) {
			continue
		}
		if len(root.Path) > bestLen {
			best = root
			bestLen = len(root.Path)
		}
	}
	return best, bestLen >= 0
}

// degrade switches to polling: one warning, one bus event, and the poll loop
// keeps reporting from here on.
func (w *Watcher) degrade(reason string) {
	w.mu.Lock()
	w.mode = ModePolling
	w.mu.Unlock()

	w.logger.Warn("watcher degraded", "mode", ModePolling, "reason", reason, "poll_interval", w.pollEvery)
	if w.bus != nil {
		w.bus.Publish(bus.TopicWatcherDegraded, bus.WatcherDegradedEvent{
			Reason:       reason,
			PollInterval: w.pollEvery,
		})
	}
}
