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
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/config"
	"github.com/gracekernel/librarian/internal/fleet"
	"github.com/gracekernel/librarian/internal/ingest"
	"github.com/gracekernel/librarian/internal/queue"
	"github.com/gracekernel/librarian/internal/store"
)

// Scanner walks an existing tree once and enqueues the catalog work each
// file implies. Queues are volatile, so a scan after restart re-derives the
// pending work the filesystem still holds:
//
//   - unknown path            -> classification (schema queue)
//   - known, checksum changed -> re-ingestion
//   - known, unreadable now   -> trust audit
//   - known and unchanged     -> skipped
type Scanner struct {
	store    *store.Store
	queues   *queue.Manager
	bus      *bus.Bus
	logger   *slog.Logger
	homeDir  string
	maxBytes int64
	workers  int
}

func NewScanner(st *store.Store, queues *queue.Manager, eventBus *bus.Bus, homeDir string, cfg config.ScanConfig, maxFileBytes int64, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 4
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 64 << 20
	}
	return &Scanner{
		store:    st,
		queues:   queues,
		bus:      eventBus,
		logger:   logger.With("component", "scanner"),
		homeDir:  homeDir,
		maxBytes: maxFileBytes,
		workers:  workers,
	}
}

// ScanResult summarizes one bulk scan.
type ScanResult struct {
	Root     string `json:"root"`
	Enqueued int    `json:"enqueued"`
	Skipped  int    `json:"skipped"`
}

// Scan walks root and enqueues work for every regular file found. Files are
// checked concurrently; checking a file means reading it, so the worker
// count bounds open file handles. Queue saturation aborts the scan since
// every further enqueue would fail the same way.
func (s *Scanner) Scan(ctx context.Context, root string) (ScanResult, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return ScanResult{Root: root}, fmt.Errorf("scan root: %w", err)
	}
	if !fi.IsDir() {
		return ScanResult{Root: root}, fmt.Errorf("scan root %s is not a directory", root)
	}

	var enqueued, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				skipped.Add(1)
				return fs.SkipDir
			}
			if path == root {
				return err
			}
			skipped.Add(1)
			return nil
		}
		if d.IsDir() {
			if path != root && s.ignored(path) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignored(path) {
			skipped.Add(1)
			return nil
		}
		g.Go(func() error {
			queued, err := s.checkFile(gctx, path)
			if err != nil {
				return err
			}
			if queued {
				enqueued.Add(1)
			} else {
				skipped.Add(1)
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return ScanResult{Root: root, Enqueued: int(enqueued.Load()), Skipped: int(skipped.Load())}, err
	}
	if walkErr != nil {
		return ScanResult{Root: root, Enqueued: int(enqueued.Load()), Skipped: int(skipped.Load())}, fmt.Errorf("walk %s: %w", root, walkErr)
	}

	result := ScanResult{Root: root, Enqueued: int(enqueued.Load()), Skipped: int(skipped.Load())}
	s.logger.Info("scan completed", "root", root, "enqueued", result.Enqueued, "skipped", result.Skipped)
	if s.bus != nil {
		s.bus.Publish(bus.TopicScanCompleted, bus.ScanCompletedEvent{
			Root:     root,
			Enqueued: result.Enqueued,
			Skipped:  result.Skipped,
		})
	}
	return result, nil
}

// checkFile decides what one file needs. The reported bool is true when an
// item was enqueued.
func (s *Scanner) checkFile(ctx context.Context, path string) (bool, error) {
	src, err := s.store.GetSource(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.enqueue(queue.KindSchemaProposal, path)
		}
		return false, fmt.Errorf("look up source %s: %w", path, err)
	}

	text, err := ingest.Extract(path, s.maxBytes)
	if err != nil {
		// This file ingested cleanly once and cannot be read now; that is
		// the trust auditor's case, not re-ingestion's.
		s.logger.Debug("known source unreadable, auditing", "path", path, "error", err)
		return s.enqueue(queue.KindTrustAudit, path)
	}
	if fleet.Checksum([]byte(text)) == src.Checksum {
		return false, nil
	}
	return s.enqueue(queue.KindIngestFile, path)
}

func (s *Scanner) enqueue(kind queue.ItemKind, path string) (bool, error) {
	if _, err := s.queues.Enqueue(kind, path, "", false); err != nil {
		if errors.Is(err, queue.ErrSaturated) {
			return false, fmt.Errorf("scan aborted: %w", err)
		}
		return false, err
	}
	return true, nil
}

// ignored mirrors the watcher's filter: the librarian home and hidden
// entries never enter the pipeline.
func (s *Scanner) ignored(path string) bool {
	if s.homeDir != "" {
		if path == s.homeDir || strings.HasPrefix(path, s.homeDir+string(os.PathSeparator)) {
			return true
		}
	}
	return strings.HasPrefix(filepath.Base(path), ".")
}
