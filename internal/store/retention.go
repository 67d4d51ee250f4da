package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs    int64 `json:"purged_audit_logs"`
	PurgedAgentRecords int64 `json:"purged_agent_records"`
	PurgedSuggestions  int64 `json:"purged_suggestions"`
}

// RunRetention deletes records older than the configured retention windows.
// The operations ledger is never purged; it is the system's undo history.
// Each category uses a separate DELETE with its own cutoff and the job is
// idempotent.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, agentRecordDays int) (RetentionResult, error) {
	var result RetentionResult

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if agentRecordDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -agentRecordDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM agents
			WHERE created_at < ? AND status NOT IN (?, ?);
		`, cutoff, AgentSpawned, AgentRunning)
		if err != nil {
			return result, fmt.Errorf("purge agents: %w", err)
		}
		result.PurgedAgentRecords, _ = res.RowsAffected()

		// Resolved suggestions age out on the same window. Open ones stay
		// until a human decides.
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM suggestions
			WHERE created_at < ? AND status != ?;
		`, cutoff, SuggestionOpen)
		if err != nil {
			return result, fmt.Errorf("purge suggestions: %w", err)
		}
		result.PurgedSuggestions, _ = res.RowsAffected()
	}

	return result, nil
}
