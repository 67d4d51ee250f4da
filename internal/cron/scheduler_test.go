package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/cron"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
	"github.com/gracekernel/librarian/internal/watcher"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock lets tests move a schedule's idea of "now" without sleeping
// through real cron slots.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	clock := newFakeClock(time.Date(2026, time.March, 3, 10, 30, 0, 0, time.UTC))
	var fired atomic.Int32

	sched := cron.NewScheduler(cron.Config{
		Logger:   discardLogger(),
		Interval: 10 * time.Millisecond,
		Now:      clock.Now,
	})
	err := sched.Add(cron.Job{
		Name:     "counter",
		Schedule: "0 * * * *",
		Run: func(context.Context) error {
			fired.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	// The next top of the hour is still ahead of the clock.
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("job fired %d times before its slot", got)
	}

	clock.Advance(time.Hour)
	waitFor(t, 3*time.Second, func() bool { return fired.Load() == 1 })

	// One fire per slot, not one per tick.
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("expected 1 fire for one slot, got %d", got)
	}

	clock.Advance(time.Hour)
	waitFor(t, 3*time.Second, func() bool { return fired.Load() == 2 })
}

func TestScheduler_FailingJobKeepsSchedule(t *testing.T) {
	clock := newFakeClock(time.Date(2026, time.March, 3, 10, 30, 0, 0, time.UTC))
	var calls atomic.Int32

	sched := cron.NewScheduler(cron.Config{
		Logger:   discardLogger(),
		Interval: 10 * time.Millisecond,
		Now:      clock.Now,
	})
	err := sched.Add(cron.Job{
		Name:     "sweeper",
		Schedule: "*/15 * * * *",
		Run: func(context.Context) error {
			calls.Add(1)
			return errors.New("sweep failed")
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	clock.Advance(30 * time.Minute)
	waitFor(t, 3*time.Second, func() bool { return calls.Load() == 1 })

	// The failure must not turn into a retry on every tick.
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("failing job ran %d times inside one slot", got)
	}

	clock.Advance(15 * time.Minute)
	waitFor(t, 3*time.Second, func() bool { return calls.Load() == 2 })
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{Logger: discardLogger()})
	noop := func(context.Context) error { return nil }

	if err := sched.Add(cron.Job{Name: "bad", Schedule: "every hour", Run: noop}); err == nil {
		t.Fatal("expected error for a non-cron schedule")
	}
	// Six fields would mean a seconds column, which these schedules do not use.
	if err := sched.Add(cron.Job{Name: "six", Schedule: "0 0 * * * *", Run: noop}); err == nil {
		t.Fatal("expected error for a six-field schedule")
	}
	if err := sched.Add(cron.Job{Name: "good", Schedule: "*/5 * * * *", Run: noop}); err != nil {
		t.Fatalf("expected five-field schedule to parse: %v", err)
	}
}

func TestScheduler_StopCancelsInFlightJob(t *testing.T) {
	clock := newFakeClock(time.Date(2026, time.March, 3, 10, 30, 0, 0, time.UTC))
	started := make(chan struct{})
	canceled := make(chan struct{})

	sched := cron.NewScheduler(cron.Config{
		Logger:   discardLogger(),
		Interval: 10 * time.Millisecond,
		Now:      clock.Now,
	})
	err := sched.Add(cron.Job{
		Name:     "stuck",
		Schedule: "0 * * * *",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			close(canceled)
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	sched.Start(context.Background())

	clock.Advance(time.Hour)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	stopDone := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a job was in flight")
	}
	select {
	case <-canceled:
	default:
		t.Fatal("job did not observe cancellation")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, time.March, 3, 10, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, time.March, 3, 10, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next run at %v, got %v", want, next)
	}
	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected error for unparseable expression")
	}
}

func TestRetentionJob_SweepsRowsAndBackups(t *testing.T) {
	home := t.TempDir()
	st, err := store.Open(filepath.Join(home, "librarian.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	// One audit row far outside the window, one fresh.
	if _, err := st.DB().Exec(`
		INSERT INTO audit_log (action, decision, reason, created_at)
		VALUES ('proposal', 'approved', 'old', DATETIME('now', '-400 days')),
			   ('proposal', 'approved', 'fresh', CURRENT_TIMESTAMP);
	`); err != nil {
		t.Fatalf("insert audit rows: %v", err)
	}

	org := organizer.New(st, bus.New(), home, config.OrganizerConfig{
		LibraryDir: filepath.Join(home, "library"),
	}, discardLogger())

	backups := filepath.Join(home, "backups")
	if err := os.MkdirAll(backups, 0o755); err != nil {
		t.Fatalf("mkdir backups: %v", err)
	}
	oldBak := filepath.Join(backups, "op-old.bak")
	freshBak := filepath.Join(backups, "op-fresh.bak")
	for _, p := range []string{oldBak, freshBak} {
		if err := os.WriteFile(p, []byte("snapshot"), 0o644); err != nil {
			t.Fatalf("write backup: %v", err)
		}
	}
	stale := time.Now().Add(-31 * 24 * time.Hour)
	if err := os.Chtimes(oldBak, stale, stale); err != nil {
		t.Fatalf("backdate backup: %v", err)
	}

	job := cron.RetentionJob(config.RetentionConfig{
		AuditLogDays:    365,
		AgentRecordDays: 90,
	}, 30, st, org, discardLogger())
	if job.Name != "retention" {
		t.Fatalf("expected job name retention, got %q", job.Name)
	}
	if job.Schedule != "0 * * * *" {
		t.Fatalf("expected hourly default schedule, got %q", job.Schedule)
	}

	if err := job.Run(ctx); err != nil {
		t.Fatalf("run retention job: %v", err)
	}

	rows, err := st.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(rows) != 1 || rows[0].Reason != "fresh" {
		t.Fatalf("expected only the fresh audit row to survive, got %+v", rows)
	}
	if _, err := os.Stat(oldBak); !os.IsNotExist(err) {
		t.Fatalf("expected stale backup pruned, stat err=%v", err)
	}
	if _, err := os.Stat(freshBak); err != nil {
		t.Fatalf("expected fresh backup kept: %v", err)
	}

	// A configured schedule overrides the hourly default.
	custom := cron.RetentionJob(config.RetentionConfig{Schedule: "*/30 * * * *"}, 0, st, nil, discardLogger())
	if custom.Schedule != "*/30 * * * *" {
		t.Fatalf("expected configured schedule, got %q", custom.Schedule)
	}
}

func TestScanJobs_RescanWatchRoots(t *testing.T) {
	home := t.TempDir()
	st, err := store.Open(filepath.Join(home, "librarian.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.New()
	queues := queue.NewManager(eventBus)
	scanCfg := config.ScanConfig{Schedule: "*/30 * * * *", Concurrency: 2}
	scanner := watcher.NewScanner(st, queues, eventBus, home, scanCfg, 0, discardLogger())

	rootA := t.TempDir()
	rootB := t.TempDir()
	paper := filepath.Join(rootA, "paper.txt")
	if err := os.WriteFile(paper, []byte("attention is all you need"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	roots := []config.WatchRoot{
		{Path: rootA, Recursive: true},
		{Path: rootB},
	}

	if jobs := cron.ScanJobs(config.ScanConfig{}, roots, scanner); jobs != nil {
		t.Fatalf("expected no jobs without a schedule, got %d", len(jobs))
	}

	jobs := cron.ScanJobs(scanCfg, roots, scanner)
	if len(jobs) != 2 {
		t.Fatalf("expected one job per root, got %d", len(jobs))
	}
	if jobs[0].Name != "scan "+rootA || jobs[0].Schedule != "*/30 * * * *" {
		t.Fatalf("unexpected job shape: %+v", jobs[0])
	}

	if err := jobs[0].Run(context.Background()); err != nil {
		t.Fatalf("run scan job: %v", err)
	}
	items := queues.Waiting(config.QueueSchema)
	if len(items) != 1 {
		t.Fatalf("expected 1 classification item, got %d", len(items))
	}
	if items[0].Path != paper || items[0].Kind != queue.KindSchemaProposal {
		t.Fatalf("unexpected item: %+v", items[0])
	}
}
