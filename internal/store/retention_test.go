package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/gracekernel/librarian/internal/store"
)

func TestRetention_PurgesOldTerminalRecords(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	db := st.DB()

	// One old finished agent, one old running agent, one recent.
	oldFinished := uuid.NewString()
	if err := st.CreateAgentRecord(ctx, store.AgentRecord{ID: oldFinished, Kind: "trust_auditor"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.FinishAgent(ctx, oldFinished, store.AgentSucceed, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	oldRunning := uuid.NewString()
	if err := st.CreateAgentRecord(ctx, store.AgentRecord{ID: oldRunning, Kind: "trust_auditor"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.MarkAgentRunning(ctx, oldRunning); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	recent := uuid.NewString()
	if err := st.CreateAgentRecord(ctx, store.AgentRecord{ID: recent, Kind: "trust_auditor"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.FinishAgent(ctx, recent, store.AgentSucceed, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// Backdate the old rows past the retention window.
	for _, id := range []string{oldFinished, oldRunning} {
		if _, err := db.Exec(`UPDATE agents SET created_at = DATETIME('now', '-120 days') WHERE id = ?;`, id); err != nil {
			t.Fatalf("backdate agent: %v", err)
		}
	}

	// Old audit entry plus a fresh one.
	if _, err := db.Exec(`
		INSERT INTO audit_log (action, decision, reason, created_at)
		VALUES ('organize.move', 'allow', 'test', DATETIME('now', '-400 days')),
			   ('organize.move', 'allow', 'test', CURRENT_TIMESTAMP);
	`); err != nil {
		t.Fatalf("insert audit rows: %v", err)
	}

	result, err := st.RunRetention(ctx, 365, 90)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedAuditLogs != 1 {
		t.Fatalf("expected 1 audit row purged, got %d", result.PurgedAuditLogs)
	}
	// The running agent is protected even when old.
	if result.PurgedAgentRecords != 1 {
		t.Fatalf("expected 1 agent purged, got %d", result.PurgedAgentRecords)
	}

	if _, err := st.GetAgent(ctx, oldRunning); err != nil {
		t.Fatalf("expected running agent preserved: %v", err)
	}
	if _, err := st.GetAgent(ctx, recent); err != nil {
		t.Fatalf("expected recent agent preserved: %v", err)
	}
}

func TestRetention_ZeroWindowsAreNoOps(t *testing.T) {
	st, _ := openTestStore(t)

	result, err := st.RunRetention(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("run retention: %v", err)
	}
	if result.PurgedAuditLogs != 0 || result.PurgedAgentRecords != 0 || result.PurgedSuggestions != 0 {
		t.Fatalf("expected no purges, got %+v", result)
	}
}
