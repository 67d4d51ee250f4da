// Package audit keeps the append-only decision trail. Every governance
// verdict, undo, manual fleet action and startup failure lands in
// <home>/logs/audit.jsonl and the sqlite audit_log table, redacted first.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gracekernel/librarian/internal/bus"
	"github.com/gracekernel/librarian/internal/shared"
	"github.com/gracekernel/librarian/internal/store"
)

// entry is the JSONL shape, one line per decision.
type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Sink writes the trail to both destinations. Gateway handlers and the
// daemon call Record directly for actions carrying an actor (manual spawns,
// terminations, startup failures); Observe mirrors the decisions that flow
// over the bus.
type Sink struct {
	st     *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File

	recorded atomic.Int64
	wg       sync.WaitGroup
}

// Open creates <home>/logs/audit.jsonl (appending when it exists) and
// returns a sink that also writes audit_log rows through st. st may be nil
// in tools that only want the file.
func Open(homeDir string, st *store.Store, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Sink{st: st, logger: logger.With("component", "audit"), file: f}, nil
}

// Record appends one decision to both sinks. Failures are logged, never
// returned: the trail must not block the action it describes.
func (s *Sink) Record(ctx context.Context, action, decision, subject, reason string) {
	subject = shared.Redact(subject)
	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	s.recorded.Add(1)

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Decision:  decision,
		Subject:   subject,
		Reason:    reason,
		TraceID:   traceID,
	}
	if line, err := json.Marshal(e); err == nil {
		s.mu.Lock()
		if s.file != nil {
			_, _ = s.file.Write(append(line, '\n'))
		}
		s.mu.Unlock()
	}

	if s.st != nil {
		row := store.AuditRow{TraceID: traceID, Subject: subject, Action: action, Decision: decision, Reason: reason}
		if err := s.st.AppendAudit(ctx, row); err != nil {
			s.logger.Warn("audit row write failed", "action", action, "error", err)
		}
	}
}

// Recorded returns the number of decisions recorded since startup.
func (s *Sink) Recorded() int64 {
	return s.recorded.Load()
}

// Observe mirrors bus decisions into the trail until ctx is canceled:
// governance verdicts and undone ledger operations. Delivery is the bus's
// best effort; the durable proposal and ledger rows remain the authority.
func (s *Sink) Observe(ctx context.Context, eventBus *bus.Bus) {
	sub := eventBus.Subscribe("")
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				s.observe(ev)
			}
		}
	}()
}

func (s *Sink) observe(ev bus.Event) {
	switch ev.Topic {
	case bus.TopicGovernanceApproved, bus.TopicGovernanceDeferred, bus.TopicGovernanceRejected:
		ge, ok := ev.Payload.(bus.GovernanceEvent)
		if !ok {
			return
		}
		reason := fmt.Sprintf("domain %s at confidence %.2f for %s, decided by %s",
			ge.Domain, ge.Confidence, ge.SourcePath, ge.DecidedBy)
		s.Record(context.Background(), "proposal", ge.Decision, ge.ProposalID, reason)
	case bus.TopicOperationUndone:
		oe, ok := ev.Payload.(bus.OperationEvent)
		if !ok {
			return
		}
		reason := fmt.Sprintf("%s of %s reversed", oe.Type, oe.SourcePath)
		if oe.TargetPath != "" {
			reason = fmt.Sprintf("%s of %s -> %s reversed", oe.Type, oe.SourcePath, oe.TargetPath)
		}
		s.Record(context.Background(), "operation", "undone", oe.OperationID, reason)
	}
}

// Close stops accepting writes and closes the JSONL file. Cancel the
// Observe context first; Close waits for the observer to finish.
func (s *Sink) Close() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
