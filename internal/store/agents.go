package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type AgentStatus string

const (
	AgentSpawned  AgentStatus = "SPAWNED"
	AgentRunning  AgentStatus = "RUNNING"
	AgentSucceed  AgentStatus = "SUCCEEDED"
	AgentFailed   AgentStatus = "FAILED"
	AgentTimedOut AgentStatus = "TIMED_OUT"
	AgentCanceled AgentStatus = "CANCELED"
)

// AgentRecord is the durable trace of one sub-agent run. The fleet keeps the
// live goroutine; this row is what survives a restart and what the gateway
// lists.
type AgentRecord struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	ItemID     string      `json:"item_id,omitempty"`
	Queue      string      `json:"queue,omitempty"`
	Path       string      `json:"path,omitempty"`
	Status     AgentStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (s *Store) CreateAgentRecord(ctx context.Context, rec AgentRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, kind, item_id, queue, path, status, created_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.ID, rec.Kind, rec.ItemID, rec.Queue, rec.Path, AgentSpawned)
		return err
	})
	if err != nil {
		return fmt.Errorf("create agent record: %w", err)
	}
	return nil
}

// MarkAgentRunning stamps started_at via compare-and-set from SPAWNED.
func (s *Store) MarkAgentRunning(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET status = ?, started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, AgentRunning, id, AgentSpawned)
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
		return false, fmt.Errorf("mark agent running: %w", err)
	}
	return ok, nil
}

// FinishAgent records the terminal status. Duration is computed from
// started_at inside the statement so clock reads stay consistent.
func (s *Store) FinishAgent(ctx context.Context, id string, to AgentStatus, errMsg string) (bool, error) {
	switch to {
	case AgentSucceed, AgentFailed, AgentTimedOut, AgentCanceled:
	default:
		return false, fmt.Errorf("%w: agents finish as SUCCEEDED, FAILED, TIMED_OUT or CANCELED, not %s", ErrInvalidTransition, to)
	}
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents
			SET status = ?,
				error = NULLIF(?, ''),
				finished_at = CURRENT_TIMESTAMP,
				duration_ms = CASE
					WHEN started_at IS NOT NULL
					THEN CAST((JULIANDAY(CURRENT_TIMESTAMP) - JULIANDAY(started_at)) * 86400000 AS INTEGER)
					ELSE 0
				END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, to, errMsg, id, AgentSpawned, AgentRunning)
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
		return false, fmt.Errorf("finish agent: %w", err)
	}
	return ok, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, COALESCE(item_id, ''), COALESCE(queue, ''), COALESCE(path, ''),
			status, COALESCE(error, ''), started_at, finished_at, COALESCE(duration_ms, 0), created_at, updated_at
		FROM agents
		WHERE id = ?;
	`, id)
	rec, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

// ListAgents returns agent records newest first. Pass status="" for all.
func (s *Store) ListAgents(ctx context.Context, status AgentStatus, limit int) ([]AgentRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, COALESCE(item_id, ''), COALESCE(queue, ''), COALESCE(path, ''),
				status, COALESCE(error, ''), started_at, finished_at, COALESCE(duration_ms, 0), created_at, updated_at
			FROM agents
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, COALESCE(item_id, ''), COALESCE(queue, ''), COALESCE(path, ''),
				status, COALESCE(error, ''), started_at, finished_at, COALESCE(duration_ms, 0), created_at, updated_at
			FROM agents
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent rows: %w", err)
	}
	return out, nil
}

// CancelOrphanedAgents closes out agent rows left SPAWNED or RUNNING by a
// previous process. Queues are volatile, so the work itself is simply gone
// after a restart and the rows only need a terminal status for bookkeeping.
func (s *Store) CancelOrphanedAgents(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET status = ?, error = 'orphaned by restart', finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (?, ?);
	`, AgentCanceled, AgentSpawned, AgentRunning)
	if err != nil {
		return 0, fmt.Errorf("cancel orphaned agents: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()

	out := map[AgentStatus]int64{}
	for rows.Next() {
		var status AgentStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func scanAgent(scan func(...any) error) (*AgentRecord, error) {
	var (
		rec        AgentRecord
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := scan(
		&rec.ID, &rec.Kind, &rec.ItemID, &rec.Queue, &rec.Path,
		&rec.Status, &rec.Error, &startedAt, &finishedAt, &rec.DurationMS, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}
