package organizer

import (
	"sort"
	"sync"
)

// lockTable serializes mutations per absolute path. Entries are reference
// counted and removed once the last holder releases, so the table stays
// proportional to in-flight work rather than library size.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]*pathLock{}}
}

// acquire blocks until the path lock is held and returns its release func.
func (t *lockTable) acquire(path string) func() {
	t.mu.Lock()
	l, ok := t.locks[path]
	if !ok {
		l = &pathLock{}
		t.locks[path] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, path)
		}
		t.mu.Unlock()
	}
}

// LockPath serializes access to one absolute path with the same table that
// guards the organizer's own moves, deletes, and undos. Callers that read a
// file and persist state keyed by its path hold this lock so the file cannot
// be relocated mid-read.
func (o *Organizer) LockPath(path string) (release func()) {
	return o.locks.acquire(path)
}

// acquireAll locks several paths in sorted order so two mutations touching
// the same pair can never deadlock. Duplicates are locked once.
func (t *lockTable) acquireAll(paths ...string) func() {
	uniq := make([]string, 0, len(paths))
	seen := map[string]bool{}
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		uniq = append(uniq, p)
	}
	sort.Strings(uniq)

	releases := make([]func(), 0, len(uniq))
	for _, p := range uniq {
		releases = append(releases, t.acquire(p))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
