package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1 schema: operations ledger, proposals, suggestions, rules, agents,
	// audit_log.
	schemaVersionV1  = 1
	schemaChecksumV1 = "lb-v1-2026-03-02-initial-ledger"

	// v2 schema: adds sources table for trust auditing plus rules.miss_count.
	schemaVersionV2  = 2
	schemaChecksumV2 = "lb-v2-2026-03-09-trust-sources"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a status update is not allowed
	// from the record's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".librarian", "librarian.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field. Check
	// the error string for the code to avoid a direct dependency on the
	// sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from an earlier schema. Validate the checksum of the version
	// we are upgrading from before touching anything.
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	// Phase 1: tables.
	tableStatements := []string{
		// Append-only ledger of every mutation the organizer performs. Rows
		// are never updated except to mark an undo.
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK(type IN ('move', 'rename', 'delete', 'ingest')),
			source_path TEXT NOT NULL,
			target_path TEXT,
			backup_path TEXT,
			actor TEXT NOT NULL DEFAULT 'system',
			trace_id TEXT,
			detail JSON NOT NULL DEFAULT '{}',
			can_undo INTEGER NOT NULL DEFAULT 0,
			undone INTEGER NOT NULL DEFAULT 0,
			undone_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('domain_assignment', 'schema_change')),
			source_path TEXT NOT NULL,
			domain TEXT NOT NULL,
			target_folder TEXT NOT NULL,
			confidence REAL NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			signals JSON NOT NULL DEFAULT '[]',
			fields JSON NOT NULL DEFAULT '[]',
			rule_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING' CHECK(status IN ('PENDING', 'APPROVED', 'REJECTED', 'APPLIED')),
			decided_by TEXT,
			decided_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS suggestions (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			domain TEXT NOT NULL,
			target_folder TEXT NOT NULL,
			confidence REAL NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'OPEN' CHECK(status IN ('OPEN', 'ACCEPTED', 'DISMISSED', 'SUPERSEDED')),
			decided_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			match_kind TEXT NOT NULL CHECK(match_kind IN ('extension', 'keyword', 'glob')),
			pattern TEXT NOT NULL,
			domain TEXT NOT NULL,
			target_folder TEXT NOT NULL,
			confidence REAL NOT NULL,
			hit_count INTEGER NOT NULL DEFAULT 0,
			miss_count INTEGER NOT NULL DEFAULT 0,
			origin TEXT NOT NULL DEFAULT 'learned' CHECK(origin IN ('learned', 'seed', 'user')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(match_kind, pattern, domain)
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			item_id TEXT,
			queue TEXT,
			path TEXT,
			status TEXT NOT NULL DEFAULT 'SPAWNED' CHECK(status IN ('SPAWNED', 'RUNNING', 'SUCCEEDED', 'FAILED', 'TIMED_OUT', 'CANCELED')),
			error TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			duration_ms INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: per-source trust bookkeeping for the trust auditor.
		`CREATE TABLE IF NOT EXISTS sources (
			path TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			trust_score REAL NOT NULL DEFAULT 1.0,
			flag_count INTEGER NOT NULL DEFAULT 0,
			last_flag_reason TEXT,
			derived_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'trusted' CHECK(status IN ('trusted', 'flagged', 'quarantined')),
			last_audited_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Phase 2: v2 backfills for databases created at v1. Fresh databases get
	// the columns from CREATE TABLE, so duplicate-column errors are ignored.
	v2Statements := []string{
		"ALTER TABLE rules ADD COLUMN miss_count INTEGER NOT NULL DEFAULT 0",
	}
	for _, stmt := range v2Statements {
		_, _ = tx.ExecContext(ctx, stmt)
	}

	// Phase 3: indexes.
	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_source ON operations(source_path);`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_suggestions_path ON suggestions(path, status);`,
		`CREATE INDEX IF NOT EXISTS idx_rules_domain ON rules(domain);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sources_status ON sources(status);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
