package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gracekernel/librarian/internal/shared"
)

type OperationType string

const (
	OpMove   OperationType = "move"
	OpRename OperationType = "rename"
	OpDelete OperationType = "delete"
	OpIngest OperationType = "ingest"
)

// Operation is one row in the append-only ledger. Every filesystem mutation
// is recorded here after its backup exists and after the mutation lands, in
// that order, so a ledger row always describes a recoverable change.
type Operation struct {
	ID         string        `json:"id"`
	Type       OperationType `json:"type"`
	SourcePath string        `json:"source_path"`
	TargetPath string        `json:"target_path,omitempty"`
	BackupPath string        `json:"backup_path,omitempty"`
	Actor      string        `json:"actor"`
	TraceID    string        `json:"trace_id,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	CanUndo    bool          `json:"can_undo"`
	Undone     bool          `json:"undone"`
	UndoneAt   *time.Time    `json:"undone_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AppendOperation inserts a ledger row. The ledger is append-only: callers
// never update a row except through MarkOperationUndone.
func (s *Store) AppendOperation(ctx context.Context, op Operation) (string, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Actor == "" {
		op.Actor = "system"
	}
	if op.Detail == "" {
		op.Detail = "{}"
	}
	traceID := op.TraceID
	if traceID == "" {
		traceID = shared.TraceID(ctx)
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO operations (
				id, type, source_path, target_path, backup_path, actor, trace_id, detail, can_undo, undone, created_at
			)
			VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, '-'), ?, ?, 0, CURRENT_TIMESTAMP);
		`, op.ID, op.Type, op.SourcePath, op.TargetPath, op.BackupPath, op.Actor, traceID, op.Detail, op.CanUndo)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append operation: %w", err)
	}
	return op.ID, nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, source_path, COALESCE(target_path, ''), COALESCE(backup_path, ''),
			actor, COALESCE(trace_id, ''), detail, can_undo, undone, undone_at, created_at
		FROM operations
		WHERE id = ?;
	`, id)
	op, err := scanOperation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns ledger rows newest first.
func (s *Store) ListOperations(ctx context.Context, limit, offset int) ([]Operation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source_path, COALESCE(target_path, ''), COALESCE(backup_path, ''),
			actor, COALESCE(trace_id, ''), detail, can_undo, undone, undone_at, created_at
		FROM operations
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?;
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation rows: %w", err)
	}
	return out, nil
}

// OperationsForPath returns ledger rows whose source or target matches path,
// newest first. Used by undo preflight and the trust auditor.
func (s *Store) OperationsForPath(ctx context.Context, path string, limit int) ([]Operation, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source_path, COALESCE(target_path, ''), COALESCE(backup_path, ''),
			actor, COALESCE(trace_id, ''), detail, can_undo, undone, undone_at, created_at
		FROM operations
		WHERE source_path = ? OR target_path = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, path, path, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations for path: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation rows: %w", err)
	}
	return out, nil
}

// MarkOperationUndone flips undone in a single compare-and-set. The guard
// (can_undo=1 AND undone=0) means a second undo of the same operation, or an
// undo of an operation that never supported it, affects zero rows and
// reports ok=false without touching the ledger.
func (s *Store) MarkOperationUndone(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE operations
			SET undone = 1, undone_at = CURRENT_TIMESTAMP
			WHERE id = ? AND can_undo = 1 AND undone = 0;
		`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("mark operation undone: %w", err)
	}
	return ok, nil
}

// DisableUndo clears can_undo on an operation whose backup no longer
// exists. The guard (can_undo=1 AND undone=0) makes repeated sweeps and
// races with an in-flight undo affect zero rows.
func (s *Store) DisableUndo(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE operations
			SET can_undo = 0
			WHERE id = ? AND can_undo = 1 AND undone = 0;
		`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("disable undo: %w", err)
	}
	return ok, nil
}

// CountOperations reports ledger totals for /status.
func (s *Store) CountOperations(ctx context.Context) (total, undone int64, err error) {
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COALESCE(SUM(undone), 0) FROM operations;
	`).Scan(&total, &undone); err != nil {
		return 0, 0, fmt.Errorf("count operations: %w", err)
	}
	return total, undone, nil
}

func scanOperation(scan func(...any) error) (*Operation, error) {
	var (
		op       Operation
		canUndo  int
		undone   int
		undoneAt sql.NullTime
		traceID  string
	)
	if err := scan(
		&op.ID, &op.Type, &op.SourcePath, &op.TargetPath, &op.BackupPath,
		&op.Actor, &traceID, &op.Detail, &canUndo, &undone, &undoneAt, &op.CreatedAt,
	); err != nil {
		return nil, err
	}
	op.TraceID = traceID
	op.CanUndo = canUndo == 1
	op.Undone = undone == 1
	if undoneAt.Valid {
		t := undoneAt.Time
		op.UndoneAt = &t
	}
	return &op, nil
}
