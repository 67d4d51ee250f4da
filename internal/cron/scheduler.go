// Package cron runs the daemon's scheduled maintenance jobs: the retention
// sweep that ages out audit rows, finished agent records and operation
// backups, and optional periodic re-scans of the watch roots.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/organizer"
	"github.com/gracekernel/librarian/internal/store"
	"github.com/gracekernel/librarian/internal/watcher"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// defaultRetentionSchedule fires the retention sweep at the top of every hour.
const defaultRetentionSchedule = "0 * * * *"

// Job is a named unit of scheduled work. Run executes under the scheduler's
// context; an error is logged and the job keeps its schedule, so the next
// attempt is its next slot, not the next tick.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// job carries a parsed schedule and the next time it is due.
type job struct {
	name    string
	sched   cronlib.Schedule
	run     func(ctx context.Context) error
	nextRun time.Time
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration    // tick interval; defaults to 1 minute if zero
	Now      func() time.Time // clock override for tests; defaults to time.Now
}

// Scheduler ticks at a fixed interval and fires every registered job whose
// next run time has passed. Jobs run sequentially on the scheduler goroutine.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		now:      now,
	}
}

// Add registers a job. The expression is parsed up front so a bad spec
// surfaces at startup rather than at the first missed run. Register all jobs
// before calling Start.
func (s *Scheduler) Add(j Job) error {
	sched, err := cronParser.Parse(j.Schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q for job %s: %w", j.Schedule, j.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:    j.Name,
		sched:   sched,
		run:     j.Run,
		nextRun: sched.Next(s.now()),
	})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit. An in-flight job
// sees its context canceled.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval,
// collects due jobs, and fires each one.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick collects due jobs and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.due(now) {
		s.fire(ctx, j, now)
	}
}

// due returns the jobs whose next run time is at or before now.
func (s *Scheduler) due(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	return due
}

// fire advances the job's schedule and runs it. The schedule moves forward
// whether or not the run succeeds, so a failing job cannot spin on every tick.
func (s *Scheduler) fire(ctx context.Context, j *job, now time.Time) {
	next := j.sched.Next(now)
	s.mu.Lock()
	j.nextRun = next
	s.mu.Unlock()

	if err := j.run(ctx); err != nil {
		s.logger.Error("cron: job failed",
			"job", j.name,
			"error", err,
			"next_run_at", next,
		)
		return
	}
	s.logger.Info("cron: job fired",
		"job", j.name,
		"next_run_at", next,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// RetentionJob builds the sweep that purges aged audit rows, terminal agent
// records and resolved suggestions, then garbage-collects expired operation
// backups. An empty schedule uses the hourly default.
func RetentionJob(cfg config.RetentionConfig, backupRetentionDays int, st *store.Store, org *organizer.Organizer, logger *slog.Logger) Job {
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultRetentionSchedule
	}
	return Job{
		Name:     "retention",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			result, err := st.RunRetention(ctx, cfg.AuditLogDays, cfg.AgentRecordDays)
			if err != nil {
				return fmt.Errorf("retention sweep: %w", err)
			}
			if total := result.PurgedAuditLogs + result.PurgedAgentRecords + result.PurgedSuggestions; total > 0 {
				logger.Info("retention sweep purged records",
					"audit_logs", result.PurgedAuditLogs,
					"agent_records", result.PurgedAgentRecords,
					"suggestions", result.PurgedSuggestions,
				)
			}
			if org != nil && backupRetentionDays > 0 {
				if _, err := org.PruneBackups(ctx, time.Duration(backupRetentionDays)*24*time.Hour); err != nil {
					return fmt.Errorf("prune backups: %w", err)
				}
			}
			return nil
		},
	}
}

// ScanJobs builds one periodic re-scan per watch root. An empty schedule
// disables scheduled scans and returns no jobs. The scanner publishes its own
// completion event, so the jobs only report errors.
func ScanJobs(cfg config.ScanConfig, roots []config.WatchRoot, scanner *watcher.Scanner) []Job {
	if cfg.Schedule == "" {
		return nil
	}
	jobs := make([]Job, 0, len(roots))
	for _, root := range roots {
		jobs = append(jobs, Job{
			Name:     "scan " + root.Path,
			Schedule: cfg.Schedule,
			Run: func(ctx context.Context) error {
				_, err := scanner.Scan(ctx, root.Path)
				return err
			},
		})
	}
	return jobs
}
