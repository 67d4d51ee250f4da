package organizer

import (
	"sync"
	"testing"
	"time"
)

func TestLockTable_SerializesSamePath(t *testing.T) {
	lt := newLockTable()
	release := lt.acquire("/library/books/a.pdf")

	acquired := make(chan struct{})
	go func() {
		r := lt.acquire("/library/books/a.pdf")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestLockTable_IndependentPathsDoNotBlock(t *testing.T) {
	lt := newLockTable()
	releaseA := lt.acquire("/a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		r := lt.acquire("/b")
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated path blocked behind a held lock")
	}
}

func TestLockTable_AcquireAllSkipsDuplicatesAndEmpties(t *testing.T) {
	lt := newLockTable()
	release := lt.acquireAll("/x", "", "/x", "/y")
	release()

	// A clean release leaves both paths immediately lockable again.
	r := lt.acquireAll("/x", "/y")
	r()

	lt.mu.Lock()
	remaining := len(lt.locks)
	lt.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected empty lock table after release, got %d entries", remaining)
	}
}

func TestLockTable_OppositeOrdersCannotDeadlock(t *testing.T) {
	lt := newLockTable()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r := lt.acquireAll("/src", "/dest")
			r()
		}()
		go func() {
			defer wg.Done()
			r := lt.acquireAll("/dest", "/src")
			r()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("acquireAll pairs deadlocked")
	}
}
