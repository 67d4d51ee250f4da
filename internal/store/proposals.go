package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "PENDING"
	ProposalApproved ProposalStatus = "APPROVED"
	ProposalRejected ProposalStatus = "REJECTED"
	ProposalApplied  ProposalStatus = "APPLIED"
)

type ProposalKind string

const (
	ProposalDomainAssignment ProposalKind = "domain_assignment"
	ProposalSchemaChange     ProposalKind = "schema_change"
)

// Proposal is a Schema Scout verdict awaiting governance. Domain doubles as
// the target table for schema_change proposals, and Fields/Signals hold JSON
// arrays produced by the scout (inferred field descriptors and the raw
// classification signals). RuleID is set when a learned rule produced the
// verdict, so governance decisions can credit or debit that rule.
type Proposal struct {
	ID           string         `json:"id"`
	Kind         ProposalKind   `json:"kind"`
	SourcePath   string         `json:"source_path"`
	Domain       string         `json:"domain"`
	TargetFolder string         `json:"target_folder"`
	Confidence   float64        `json:"confidence"`
	Reasoning    string         `json:"reasoning"`
	Signals      string         `json:"signals"`
	Fields       string         `json:"fields"`
	RuleID       string         `json:"rule_id,omitempty"`
	Status       ProposalStatus `json:"status"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (s *Store) CreateProposal(ctx context.Context, p Proposal) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Signals == "" {
		p.Signals = "[]"
	}
	if p.Fields == "" {
		p.Fields = "[]"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proposals (
				id, kind, source_path, domain, target_folder, confidence, reasoning, signals, fields, rule_id, status, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, p.ID, p.Kind, p.SourcePath, p.Domain, p.TargetFolder, p.Confidence, p.Reasoning, p.Signals, p.Fields, p.RuleID, ProposalPending)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create proposal: %w", err)
	}
	return p.ID, nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, source_path, domain, target_folder, confidence, reasoning, signals, fields, rule_id,
			status, COALESCE(decided_by, ''), decided_at, created_at, updated_at
		FROM proposals
		WHERE id = ?;
	`, id)
	p, err := scanProposal(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

// ListProposals returns proposals newest first, optionally filtered by status.
func (s *Store) ListProposals(ctx context.Context, status ProposalStatus, limit int) ([]Proposal, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, source_path, domain, target_folder, confidence, reasoning, signals, fields, rule_id,
				status, COALESCE(decided_by, ''), decided_at, created_at, updated_at
			FROM proposals
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, kind, source_path, domain, target_folder, confidence, reasoning, signals, fields, rule_id,
				status, COALESCE(decided_by, ''), decided_at, created_at, updated_at
			FROM proposals
			WHERE status = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proposal rows: %w", err)
	}
	return out, nil
}

// DecideProposal moves a PENDING proposal to APPROVED or REJECTED in a single
// compare-and-set. ok=false means the proposal was already decided (or does
// not exist); callers distinguish via GetProposal.
func (s *Store) DecideProposal(ctx context.Context, id string, to ProposalStatus, decidedBy string) (bool, error) {
	if to != ProposalApproved && to != ProposalRejected {
		return false, fmt.Errorf("%w: proposals decide to APPROVED or REJECTED, not %s", ErrInvalidTransition, to)
	}
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE proposals
			SET status = ?, decided_by = ?, decided_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, decidedBy, id, ProposalPending)
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
		return false, fmt.Errorf("decide proposal: %w", err)
	}
	return ok, nil
}

// MarkProposalApplied records that the approved move landed on disk.
func (s *Store) MarkProposalApplied(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE proposals
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, ProposalApplied, id, ProposalApproved)
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
		return false, fmt.Errorf("mark proposal applied: %w", err)
	}
	return ok, nil
}

func (s *Store) CountProposalsByStatus(ctx context.Context) (map[ProposalStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM proposals GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count proposals: %w", err)
	}
	defer rows.Close()

	out := map[ProposalStatus]int64{}
	for rows.Next() {
		var status ProposalStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan proposal count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

func scanProposal(scan func(...any) error) (*Proposal, error) {
	var (
		p         Proposal
		decidedAt sql.NullTime
	)
	if err := scan(
		&p.ID, &p.Kind, &p.SourcePath, &p.Domain, &p.TargetFolder, &p.Confidence,
		&p.Reasoning, &p.Signals, &p.Fields, &p.RuleID, &p.Status, &p.DecidedBy, &decidedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		p.DecidedAt = &t
	}
	return &p, nil
}
