package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SourceStatus string

const (
	SourceTrusted     SourceStatus = "trusted"
	SourceFlagged     SourceStatus = "flagged"
	SourceQuarantined SourceStatus = "quarantined"
)

// Source tracks per-file trust state maintained by the trust auditor:
// content checksum at last audit, a decaying trust score and any open flag.
// DerivedCount mirrors how much study material the insight maker produced.
type Source struct {
	Path           string       `json:"path"`
	Checksum       string       `json:"checksum"`
	TrustScore     float64      `json:"trust_score"`
	FlagCount      int          `json:"flag_count"`
	LastFlagReason string       `json:"last_flag_reason,omitempty"`
	DerivedCount   int          `json:"derived_count"`
	Status         SourceStatus `json:"status"`
	LastAuditedAt  *time.Time   `json:"last_audited_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TouchSource records a clean audit: checksum refreshed, trust nudged back
// toward 1.0, status restored to trusted unless quarantined.
func (s *Store) TouchSource(ctx context.Context, path, checksum string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sources (path, checksum, trust_score, status, last_audited_at, created_at, updated_at)
			VALUES (?, ?, 1.0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(path) DO UPDATE SET
				checksum = excluded.checksum,
				trust_score = MIN(1.0, sources.trust_score + 0.1),
				status = CASE WHEN sources.status = 'quarantined' THEN sources.status ELSE 'trusted' END,
				last_audited_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP;
		`, path, checksum, SourceTrusted)
		return err
	})
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	return nil
}

// FlagSource records an audit finding against a path. Trust decays with each
// flag; at three or more flags the source is quarantined and the organizer
// refuses to auto-move it.
func (s *Store) FlagSource(ctx context.Context, path, reason string) (*Source, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sources (path, trust_score, flag_count, last_flag_reason, status, last_audited_at, created_at, updated_at)
			VALUES (?, 0.7, 1, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(path) DO UPDATE SET
				trust_score = MAX(0.0, sources.trust_score - 0.3),
				flag_count = sources.flag_count + 1,
				last_flag_reason = excluded.last_flag_reason,
				status = CASE WHEN sources.flag_count + 1 >= 3 THEN 'quarantined' ELSE 'flagged' END,
				last_audited_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP;
		`, path, reason, SourceFlagged)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("flag source: %w", err)
	}
	return s.GetSource(ctx, path)
}

// SetSourceTrust writes a recomputed trust score after a non-contradictory
// audit, refreshing the checksum and audit time. Quarantine is sticky; only
// a human unflags a quarantined source.
func (s *Store) SetSourceTrust(ctx context.Context, path string, score float64, checksum string) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sources (path, checksum, trust_score, status, last_audited_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(path) DO UPDATE SET
				checksum = excluded.checksum,
				trust_score = excluded.trust_score,
				status = CASE WHEN sources.status = 'quarantined' THEN sources.status ELSE 'trusted' END,
				last_audited_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP;
		`, path, checksum, score, SourceTrusted)
		return err
	})
	if err != nil {
		return fmt.Errorf("set source trust: %w", err)
	}
	return nil
}

// RenameSourcePath re-keys a source row after its file moves, so trust
// history follows the file. A stale row already sitting at the new path is
// replaced.
func (s *Store) RenameSourcePath(ctx context.Context, oldPath, newPath string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE OR REPLACE sources SET path = ?, updated_at = CURRENT_TIMESTAMP WHERE path = ?;
		`, newPath, oldPath)
		return err
	})
	if err != nil {
		return fmt.Errorf("rename source path: %w", err)
	}
	return nil
}

// SetSourceDerivedCount records how many derived records a path carries.
func (s *Store) SetSourceDerivedCount(ctx context.Context, path string, n int) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sources SET derived_count = ?, updated_at = CURRENT_TIMESTAMP WHERE path = ?;
		`, n, path)
		return err
	})
	if err != nil {
		return fmt.Errorf("set derived count: %w", err)
	}
	return nil
}

func (s *Store) GetSource(ctx context.Context, path string) (*Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, checksum, trust_score, flag_count, COALESCE(last_flag_reason, ''), derived_count, status, last_audited_at, created_at, updated_at
		FROM sources
		WHERE path = ?;
	`, path)
	src, err := scanSource(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns sources filtered by status, worst trust first. Pass
// status="" for all.
func (s *Store) ListSources(ctx context.Context, status SourceStatus, limit int) ([]Source, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT path, checksum, trust_score, flag_count, COALESCE(last_flag_reason, ''), derived_count, status, last_audited_at, created_at, updated_at
			FROM sources
			ORDER BY trust_score ASC, path ASC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT path, checksum, trust_score, flag_count, COALESCE(last_flag_reason, ''), derived_count, status, last_audited_at, created_at, updated_at
			FROM sources
			WHERE status = ?
			ORDER BY trust_score ASC, path ASC
			LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source rows: %w", err)
	}
	return out, nil
}

func scanSource(scan func(...any) error) (*Source, error) {
	var (
		src       Source
		auditedAt sql.NullTime
	)
	if err := scan(
		&src.Path, &src.Checksum, &src.TrustScore, &src.FlagCount,
		&src.LastFlagReason, &src.DerivedCount, &src.Status, &auditedAt, &src.CreatedAt, &src.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if auditedAt.Valid {
		t := auditedAt.Time
		src.LastAuditedAt = &t
	}
	return &src, nil
}
