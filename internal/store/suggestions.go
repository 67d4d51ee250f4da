package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SuggestionStatus string

const (
	SuggestionOpen       SuggestionStatus = "OPEN"
	SuggestionAccepted   SuggestionStatus = "ACCEPTED"
	SuggestionDismissed  SuggestionStatus = "DISMISSED"
	SuggestionSuperseded SuggestionStatus = "SUPERSEDED"
)

// Suggestion is a non-binding move recommendation for a file whose
// classification landed in the suggest band. Nothing moves until a human
// accepts it.
type Suggestion struct {
	ID           string           `json:"id"`
	Path         string           `json:"path"`
	Domain       string           `json:"domain"`
	TargetFolder string           `json:"target_folder"`
	Confidence   float64          `json:"confidence"`
	Reasoning    string           `json:"reasoning"`
	Status       SuggestionStatus `json:"status"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// CreateSuggestion inserts a new OPEN suggestion after superseding any open
// one for the same path, so a re-classified file never carries two live
// recommendations.
func (s *Store) CreateSuggestion(ctx context.Context, sg Suggestion) (string, error) {
	if sg.ID == "" {
		sg.ID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin suggestion tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE suggestions
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE path = ? AND status = ?;
		`, SuggestionSuperseded, sg.Path, SuggestionOpen); err != nil {
			return fmt.Errorf("supersede open suggestions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO suggestions (id, path, domain, target_folder, confidence, reasoning, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, sg.ID, sg.Path, sg.Domain, sg.TargetFolder, sg.Confidence, sg.Reasoning, SuggestionOpen); err != nil {
			return fmt.Errorf("insert suggestion: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return sg.ID, nil
}

func (s *Store) GetSuggestion(ctx context.Context, id string) (*Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, domain, target_folder, confidence, reasoning, status, decided_at, created_at, updated_at
		FROM suggestions
		WHERE id = ?;
	`, id)
	sg, err := scanSuggestion(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get suggestion: %w", err)
	}
	return sg, nil
}

func (s *Store) ListSuggestions(ctx context.Context, status SuggestionStatus, limit int) ([]Suggestion, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, path, domain, target_folder, confidence, reasoning, status, decided_at, created_at, updated_at
			FROM suggestions
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, path, domain, target_folder, confidence, reasoning, status, decided_at, created_at, updated_at
			FROM suggestions
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		out = append(out, *sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("suggestion rows: %w", err)
	}
	return out, nil
}

// ResolveSuggestion moves an OPEN suggestion to ACCEPTED or DISMISSED in a
// single compare-and-set.
func (s *Store) ResolveSuggestion(ctx context.Context, id string, to SuggestionStatus) (bool, error) {
	if to != SuggestionAccepted && to != SuggestionDismissed {
		return false, fmt.Errorf("%w: suggestions resolve to ACCEPTED or DISMISSED, not %s", ErrInvalidTransition, to)
	}
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE suggestions
			SET status = ?, decided_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, id, SuggestionOpen)
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
		return false, fmt.Errorf("resolve suggestion: %w", err)
	}
	return ok, nil
}

func (s *Store) CountOpenSuggestions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM suggestions WHERE status = ?;
	`, SuggestionOpen).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open suggestions: %w", err)
	}
	return count, nil
}

func scanSuggestion(scan func(...any) error) (*Suggestion, error) {
	var (
		sg        Suggestion
		decidedAt sql.NullTime
	)
	if err := scan(
		&sg.ID, &sg.Path, &sg.Domain, &sg.TargetFolder, &sg.Confidence,
		&sg.Reasoning, &sg.Status, &decidedAt, &sg.CreatedAt, &sg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sg.DecidedAt = &t
	}
	return &sg, nil
}
