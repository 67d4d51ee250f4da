package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
)

// fileMeta is the per-file state a polling pass compares between snapshots.
type fileMeta struct {
	size  int64
	mtime time.Time
}

// runPolling diffs mtime+size snapshots of every root at the poll interval.
// The first snapshot is the baseline: files already present when polling
// begins emit nothing, matching fsnotify startup behavior. Raw diffs feed
// the same debounce map as fsnotify events.
func (w *Watcher) runPolling(ctx context.Context) {
	prev := w.snapshot()

	poll := time.NewTicker(w.pollEvery)
	defer poll.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			cur := w.snapshot()
			w.diffSnapshots(prev, cur)
			prev = cur
		case <-flush.C:
			w.flush(time.Now())
		}
	}
}

func (w *Watcher) snapshot() map[string]fileMeta {
	out := make(map[string]fileMeta)
	for _, root := range w.roots {
		w.snapshotRoot(root, out)
	}
	return out
}

func (w *Watcher) snapshotRoot(root config.WatchRoot, out map[string]fileMeta) {
	if !root.Recursive {
		entries, err := os.ReadDir(root.Path)
		if err != nil {
			return
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			path := filepath.Join(root.Path, ent.Name())
			if w.ignored(path) {
				continue
			}
			if info, err := ent.Info(); err == nil {
				out[path] = fileMeta{size: info.Size(), mtime: info.ModTime()}
			}
		}
		return
	}

	_ = filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && path != root.Path {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root.Path && w.ignored(path) {
				return fs.SkipDir
			}
			return nil
		}
		if w.ignored(path) {
			return nil
		}
		if info, err := d.Info(); err == nil {
			out[path] = fileMeta{size: info.Size(), mtime: info.ModTime()}
		}
		return nil
	})
}

func (w *Watcher) diffSnapshots(prev, cur map[string]fileMeta) {
	for path, meta := range cur {
		old, ok := prev[path]
		if !ok {
			w.record(path, bus.FileCreated)
			continue
		}
		if old.size != meta.size || !old.mtime.Equal(meta.mtime) {
			w.record(path, bus.FileModified)
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			w.record(path, bus.FileDeleted)
		}
	}
}
