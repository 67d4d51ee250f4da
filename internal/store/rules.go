package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RuleMatchKind string

const (
	RuleMatchExtension RuleMatchKind = "extension"
	RuleMatchKeyword   RuleMatchKind = "keyword"
	RuleMatchGlob      RuleMatchKind = "glob"
)

// Rule is a learned classification shortcut. Rules are created when a human
// approves or corrects a domain assignment and are consulted before the
// signal tables on later classifications.
type Rule struct {
	ID           string        `json:"id"`
	MatchKind    RuleMatchKind `json:"match_kind"`
	Pattern      string        `json:"pattern"`
	Domain       string        `json:"domain"`
	TargetFolder string        `json:"target_folder"`
	Confidence   float64       `json:"confidence"`
	HitCount     int           `json:"hit_count"`
	MissCount    int           `json:"miss_count"`
	Origin       string        `json:"origin"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// UpsertRule inserts a rule or, when (match_kind, pattern, domain) already
// exists, nudges its confidence toward the incoming value and refreshes the
// target folder. Origin is preserved on conflict so a user rule never
// demotes itself to learned.
func (s *Store) UpsertRule(ctx context.Context, r Rule) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Origin == "" {
		r.Origin = "learned"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rules (id, match_kind, pattern, domain, target_folder, confidence, origin, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(match_kind, pattern, domain) DO UPDATE SET
				target_folder = excluded.target_folder,
				confidence = MIN(1.0, (rules.confidence + excluded.confidence) / 2.0 + 0.05),
				updated_at = CURRENT_TIMESTAMP;
		`, r.ID, r.MatchKind, r.Pattern, r.Domain, r.TargetFolder, r.Confidence, r.Origin)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upsert rule: %w", err)
	}

	// The insert ID loses on conflict; read back the canonical row ID.
	var id string
	if err := s.db.QueryRowContext(ctx, `
		SELECT id FROM rules WHERE match_kind = ? AND pattern = ? AND domain = ?;
	`, r.MatchKind, r.Pattern, r.Domain).Scan(&id); err != nil {
		return "", fmt.Errorf("read back rule id: %w", err)
	}
	return id, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, match_kind, pattern, domain, target_folder, confidence, hit_count, miss_count, origin, created_at, updated_at
		FROM rules
		WHERE id = ?;
	`, id)
	r, err := scanRule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// ListRules returns all rules ordered by confidence descending, then pattern
// ascending. The ordering is the classifier's conflict resolution: when two
// rules match the same file, the first row wins.
func (s *Store) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, match_kind, pattern, domain, target_folder, confidence, hit_count, miss_count, origin, created_at, updated_at
		FROM rules
		ORDER BY confidence DESC, pattern ASC, domain ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule rows: %w", err)
	}
	return out, nil
}

// RecordRuleHit bumps hit_count and nudges confidence up. Single statement
// so concurrent agents never lose an increment.
func (s *Store) RecordRuleHit(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE rules
			SET hit_count = hit_count + 1,
				confidence = MIN(1.0, confidence + 0.02),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("record rule hit: %w", err)
	}
	return nil
}

// RecordRuleMiss bumps miss_count and decays confidence. A rule that keeps
// misfiring sinks below user corrections until it stops winning conflicts.
func (s *Store) RecordRuleMiss(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE rules
			SET miss_count = miss_count + 1,
				confidence = MAX(0.05, confidence - 0.10),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("record rule miss: %w", err)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?;`, id)
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
		return false, fmt.Errorf("delete rule: %w", err)
	}
	return ok, nil
}

func scanRule(scan func(...any) error) (*Rule, error) {
	var r Rule
	if err := scan(
		&r.ID, &r.MatchKind, &r.Pattern, &r.Domain, &r.TargetFolder, &r.Confidence,
		&r.HitCount, &r.MissCount, &r.Origin, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}
